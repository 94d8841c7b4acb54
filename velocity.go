/*
Copyright © 2019 the InMAP authors.
This file is part of InMAP.

InMAP is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

InMAP is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with InMAP.  If not, see <http://www.gnu.org/licenses/>.
*/

package vtrans

import (
	"fmt"
	"math"

	"github.com/spatialmodel/vtrans/mesh"
)

// VelocityMesh is the regular velocity-space grid of a population.
// Each block holds mesh.WID samples per axis.
type VelocityMesh struct {
	Min    [3]float64 // lower velocity corner [m/s]
	Dv     [3]float64 // sample spacing [m/s]
	Blocks [3]int     // number of blocks along each axis
}

// Population is a particle species with its own velocity mesh.
type Population struct {
	Name     string
	Velocity VelocityMesh
}

// Len returns the number of blocks in v.
func (v VelocityMesh) Len() int { return v.Blocks[0] * v.Blocks[1] * v.Blocks[2] }

// BlockID returns the id of the block with the given integer position.
func (v VelocityMesh) BlockID(idx [3]int) mesh.BlockID {
	return mesh.BlockID(idx[0] + idx[1]*v.Blocks[0] + idx[2]*v.Blocks[0]*v.Blocks[1])
}

// BlockIndex returns the integer position of block b.
func (v VelocityMesh) BlockIndex(b mesh.BlockID) [3]int {
	i := int(b)
	return [3]int{i % v.Blocks[0], (i / v.Blocks[0]) % v.Blocks[1], i / (v.Blocks[0] * v.Blocks[1])}
}

// laneIndex returns the position of sample lane within a block.
func laneIndex(lane int) [3]int {
	return [3]int{lane % mesh.WID, (lane / mesh.WID) % mesh.WID, lane / (mesh.WID * mesh.WID)}
}

// Velocity returns the velocity along d of sample lane of block b.
func (v VelocityMesh) Velocity(b mesh.BlockID, lane int, d mesh.Dim) float64 {
	bi := v.BlockIndex(b)[d]
	li := laneIndex(lane)[d]
	return v.Min[d] + (float64(bi*mesh.WID+li)+0.5)*v.Dv[d]
}

// SampleVolume returns the velocity-space volume of one sample.
func (v VelocityMesh) SampleVolume() float64 { return v.Dv[0] * v.Dv[1] * v.Dv[2] }

// MaxSpeed returns the largest speed along d of any sample.
func (v VelocityMesh) MaxSpeed(d mesh.Dim) float64 {
	lo := v.Min[d] + 0.5*v.Dv[d]
	hi := v.Min[d] + (float64(v.Blocks[d]*mesh.WID)-0.5)*v.Dv[d]
	return math.Max(math.Abs(lo), math.Abs(hi))
}

// Check returns an error if v is not a valid velocity mesh.
func (v VelocityMesh) Check() error {
	for d := 0; d < 3; d++ {
		if v.Blocks[d] < 1 {
			return fmt.Errorf("vtrans: velocity mesh has %d blocks along %v", v.Blocks[d], mesh.Dim(d))
		}
		if v.Dv[d] <= 0 {
			return fmt.Errorf("vtrans: velocity mesh has spacing %g along %v", v.Dv[d], mesh.Dim(d))
		}
	}
	return nil
}

// Position returns the velocity of sample lane of block b.
func (v VelocityMesh) Position(b mesh.BlockID, lane int) [3]float64 {
	return [3]float64{v.Velocity(b, lane, mesh.X), v.Velocity(b, lane, mesh.Y), v.Velocity(b, lane, mesh.Z)}
}
