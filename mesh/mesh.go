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

/*Package mesh defines a distributed, adaptively refined spatial mesh of
cubic cells, each holding a velocity-space distribution per population.*/
package mesh

import (
	"context"
	"fmt"
)

// CellID identifies a cell. Cell ids encode the refinement level and
// integer position of the cell; 0 is never a valid id.
type CellID uint64

// InvalidCell is the zero CellID.
const InvalidCell CellID = 0

// Dim is a spatial axis.
type Dim int

// The spatial axes.
const (
	X Dim = iota
	Y
	Z
)

// Dims holds all spatial axes in translation order.
var Dims = [3]Dim{X, Y, Z}

func (d Dim) String() string {
	switch d {
	case X:
		return "x"
	case Y:
		return "y"
	case Z:
		return "z"
	default:
		return fmt.Sprintf("dim(%d)", int(d))
	}
}

// Transverse returns the two axes perpendicular to d, in the order
// (d+1)%3, (d+2)%3.
func (d Dim) Transverse() (Dim, Dim) {
	return (d + 1) % 3, (d + 2) % 3
}

// Direction is the sense of travel along an axis.
type Direction int

// Directions.
const (
	Negative Direction = -1
	Positive Direction = 1
)

// WID is the number of velocity samples per axis of a velocity block.
const WID = 4

// WID3 is the number of velocity samples in a velocity block.
const WID3 = WID * WID * WID

// BlockID identifies a velocity block within the velocity mesh of a
// population.
type BlockID uint32

// Block holds the density samples of one velocity block, with the
// x index varying fastest.
type Block [WID3]float64

// Blocks is the sparse velocity-space storage of one population in
// one cell.
type Blocks map[BlockID]Block

// Copy returns a deep copy of b.
func (b Blocks) Copy() Blocks {
	o := make(Blocks, len(b))
	for id, v := range b {
		o[id] = v
	}
	return o
}

// Sum returns the sum of all samples in b.
func (b Blocks) Sum() float64 {
	var s float64
	for _, v := range b {
		for _, x := range v {
			s += x
		}
	}
	return s
}

// Cell is the density storage of one spatial cell.
type Cell struct {
	ID          CellID
	Populations []Blocks
}

// Box is an axis aligned box.
type Box struct {
	Min, Max [3]float64
}

// Size returns the extent of b along d.
func (b Box) Size(d Dim) float64 { return b.Max[d] - b.Min[d] }

// Volume returns the volume of b.
func (b Box) Volume() float64 {
	return b.Size(X) * b.Size(Y) * b.Size(Z)
}

// Mesh is the view of a distributed adaptive mesh available to one rank.
type Mesh interface {
	// FaceNeighbors returns the leaf cells adjacent to the face of cell
	// id that faces direction dir along d. It returns no cells when the
	// face is on a non-periodic domain boundary, one cell when the
	// neighbor is at the same or a coarser level, and four cells in
	// transverse order when the neighbor is finer.
	FaceNeighbors(id CellID, d Dim, dir Direction) ([]CellID, error)

	// Level returns the refinement level of cell id.
	Level(id CellID) (int, error)

	// Bounds returns the extent of cell id.
	Bounds(id CellID) (Box, error)

	// DomainBounds returns the extent of the whole mesh.
	DomainBounds() Box

	// IsPeriodic reports whether the mesh wraps along d.
	IsPeriodic(d Dim) bool

	// OwningRank returns the rank holding authoritative data for cell id.
	OwningRank(id CellID) (int, error)

	// Rank is the rank of this view.
	Rank() int

	// LocalCells returns the cells owned by this rank in ascending order.
	LocalCells() []CellID

	// Cell returns the data of a local or ghost cell.
	Cell(id CellID) (*Cell, bool)

	// Generation changes whenever refinement or ownership changes.
	Generation() uint64

	// UpdateGhosts refreshes population pop of the ghost cells needed
	// for translation along d.
	UpdateGhosts(ctx context.Context, pop int, d Dim) error
}
