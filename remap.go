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
	"sort"

	"github.com/spatialmodel/vtrans/advect"
	"github.com/spatialmodel/vtrans/mesh"
)

// remapper translates the pencils of one pass. It only reads mesh
// data; results are returned for the caller to apply.
type remapper struct {
	m    mesh.Mesh
	dim  mesh.Dim
	pop  int
	vm   VelocityMesh
	dt   float64
	rank int
}

// pencilResult is the output of remapping one pencil.
type pencilResult struct {
	// values holds the new storage of each pencil cell, counting only
	// mass that stayed within the pencil.
	values []mesh.Blocks

	// contributions holds the mass that left the pencil for other
	// cells, one record per target cell.
	contributions []RemoteContribution

	// outflow is the mass that left the domain.
	outflow float64
}

// region is a rectangle perpendicular to the translation axis.
type region struct {
	min, max [2]float64
}

func (r region) area() float64 { return (r.max[0] - r.min[0]) * (r.max[1] - r.min[1]) }

func (r region) intersect(b mesh.Box, dim mesh.Dim) (region, bool) {
	t1, t2 := dim.Transverse()
	o := region{
		min: [2]float64{math.Max(r.min[0], b.Min[t1]), math.Max(r.min[1], b.Min[t2])},
		max: [2]float64{math.Min(r.max[0], b.Max[t1]), math.Min(r.max[1], b.Max[t2])},
	}
	return o, o.max[0] > o.min[0] && o.max[1] > o.min[1]
}

// slab lists the cells overlapping a slab beyond one end of a pencil,
// with the fraction of the slab volume that falls in each. The part of
// the slab outside a non-periodic domain is in outside.
type slab struct {
	cells   []mesh.CellID
	weights []float64
	outside float64
}

// pencilRemap holds the per-pencil state of a remap.
type pencilRemap struct {
	*remapper
	p    *Pencil
	foot region
	h    float64
	vol  float64

	// slabs caches slab geometry by side (0: negative, 1: positive)
	// and distance in cell widths.
	slabs [2]map[int]*slab
}

func side(dir mesh.Direction) int {
	if dir == mesh.Negative {
		return 0
	}
	return 1
}

// slabAt returns the cells covering the slab from k to k+1 pencil cell
// widths beyond the end of the pencil in direction dir.
func (pr *pencilRemap) slabAt(dir mesh.Direction, k int) (*slab, error) {
	if s, ok := pr.slabs[side(dir)][k]; ok {
		return s, nil
	}
	end := pr.p.Cells[0]
	if dir == mesh.Positive {
		end = pr.p.Cells[len(pr.p.Cells)-1]
	}
	lo, hi := float64(k)*pr.h, float64(k+1)*pr.h
	acc := make(map[mesh.CellID]float64)
	s := new(slab)
	if err := pr.walkSlab(dir, end, 0, pr.foot, lo, hi, acc, s); err != nil {
		return nil, err
	}
	for id := range acc {
		s.cells = append(s.cells, id)
	}
	sort.Slice(s.cells, func(i, j int) bool { return s.cells[i] < s.cells[j] })
	s.weights = make([]float64, len(s.cells))
	for i, id := range s.cells {
		s.weights[i] = acc[id]
	}
	pr.slabs[side(dir)][k] = s
	return s, nil
}

// walkSlab follows the neighbors of cur in direction dir within reg.
// covered is the distance from the pencil end to the far face of cur.
func (pr *pencilRemap) walkSlab(dir mesh.Direction, cur mesh.CellID, covered float64, reg region,
	lo, hi float64, acc map[mesh.CellID]float64, s *slab) error {
	n, err := SelectNeighbor(pr.m, cur, pr.dim, dir, Path{})
	if err != nil {
		if e, ok := err.(*Error); ok {
			e.Pencil = pr.p.ID
		}
		return err
	}
	whole := (hi - lo) * pr.foot.area()
	if n.Kind == None {
		s.outside += (hi - math.Max(covered, lo)) * reg.area() / whole
		return nil
	}
	for _, next := range n.Cells() {
		b, err := pr.m.Bounds(next)
		if err != nil {
			return topologyError(pr.dim, pr.p.ID, next, err)
		}
		sub, ok := reg.intersect(b, pr.dim)
		if !ok {
			continue
		}
		end := covered + b.Size(pr.dim)
		if end > lo {
			acc[next] += (math.Min(end, hi) - math.Max(covered, lo)) * sub.area() / whole
		}
		if end < hi {
			if err := pr.walkSlab(dir, next, end, sub, lo, hi, acc, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// sample returns the density of lane of block b averaged over slab s,
// using prev for the part of the slab outside the domain.
func (pr *pencilRemap) sample(s *slab, b mesh.BlockID, lane int, prev float64) (float64, error) {
	v := s.outside * prev
	for i, id := range s.cells {
		c, ok := pr.m.Cell(id)
		if !ok {
			return 0, &Error{
				Kind:       CorruptMeshTopology,
				Dimension:  int(pr.dim),
				Population: pr.pop,
				Pencil:     pr.p.ID,
				Cell:       id,
				Msg:        "no data for neighbor cell",
			}
		}
		v += s.weights[i] * c.Populations[pr.pop][b][lane]
	}
	return v, nil
}

// remap translates the distribution in the cells of pencil p by one
// time step. Each lane of each velocity block is shifted independently.
func (r *remapper) remap(p *Pencil) (*pencilResult, error) {
	L := len(p.Cells)
	b0, err := r.m.Bounds(p.Cells[0])
	if err != nil {
		return nil, topologyError(r.dim, p.ID, p.Cells[0], err)
	}
	pr := &pencilRemap{
		remapper: r,
		p:        p,
		h:        b0.Size(r.dim),
		vol:      b0.Volume(),
		foot: region{
			min: [2]float64{p.Footprint.Min.X, p.Footprint.Min.Y},
			max: [2]float64{p.Footprint.Max.X, p.Footprint.Max.Y},
		},
		slabs: [2]map[int]*slab{make(map[int]*slab), make(map[int]*slab)},
	}

	members := make([]mesh.Blocks, L)
	present := make(map[mesh.BlockID]bool)
	for i, id := range p.Cells {
		c, ok := r.m.Cell(id)
		if !ok {
			return nil, &Error{Kind: CorruptMeshTopology, Dimension: int(r.dim), Population: r.pop,
				Pencil: p.ID, Cell: id, Msg: "no data for pencil cell"}
		}
		members[i] = c.Populations[r.pop]
		for b := range members[i] {
			present[b] = true
		}
	}
	blocks := make([]mesh.BlockID, 0, len(present))
	for b := range present {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	half := float64(L) / 2
	for _, b := range blocks {
		for lane := 0; lane < mesh.WID3; lane++ {
			if s := r.vm.Velocity(b, lane, r.dim) * r.dt / pr.h; math.Abs(s) >= half {
				return nil, &Error{
					Kind:       CflViolation,
					Dimension:  int(r.dim),
					Population: r.pop,
					Pencil:     p.ID,
					Cell:       mesh.InvalidCell,
					Msg:        fmt.Sprintf("displacement of %g cells in a pencil of %d cells", s, L),
				}
			}
		}
	}

	res := &pencilResult{values: make([]mesh.Blocks, L)}
	for i := range res.values {
		res.values[i] = make(mesh.Blocks, len(members[i]))
	}
	contrib := make(map[mesh.CellID]mesh.Blocks)
	values := make([]float64, L+2*StencilWidth)
	out := make([]mesh.Block, L)
	for _, b := range blocks {
		for i := range out {
			out[i] = mesh.Block{}
		}
		for lane := 0; lane < mesh.WID3; lane++ {
			empty := true
			for i, mb := range members {
				values[StencilWidth+i] = mb[b][lane]
				if values[StencilWidth+i] != 0 {
					empty = false
				}
			}
			if empty {
				continue
			}
			if err := pr.fillGhosts(values, b, lane); err != nil {
				return nil, err
			}
			s := r.vm.Velocity(b, lane, r.dim) * r.dt / pr.h
			rm := advect.Shift(advect.Reconstruct(values), s)
			for i, v := range rm.Values {
				out[i][lane] = v
			}
			if p.Periodic {
				for m, mass := range rm.Below {
					out[L-1-m%L][lane] += mass
				}
				for m, mass := range rm.Above {
					out[m%L][lane] += mass
				}
				continue
			}
			for m, mass := range rm.Below {
				if err := pr.emit(res, contrib, mesh.Negative, m, b, lane, mass); err != nil {
					return nil, err
				}
			}
			for m, mass := range rm.Above {
				if err := pr.emit(res, contrib, mesh.Positive, m, b, lane, mass); err != nil {
					return nil, err
				}
			}
		}
		for i := range out {
			if _, ok := members[i][b]; ok || out[i] != (mesh.Block{}) {
				res.values[i][b] = out[i]
			}
		}
	}

	targets := make([]mesh.CellID, 0, len(contrib))
	for id := range contrib {
		targets = append(targets, id)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for seq, id := range targets {
		owner, err := r.m.OwningRank(id)
		if err != nil {
			return nil, topologyError(r.dim, p.ID, id, err)
		}
		res.contributions = append(res.contributions, RemoteContribution{
			Target:     id,
			Rank:       owner,
			Population: r.pop,
			Source:     Source{Rank: r.rank, Pencil: p.ID, Seq: seq},
			Blocks:     contrib[id],
		})
	}
	return res, nil
}

// fillGhosts sets the StencilWidth values on each side of the pencil
// cells in values.
func (pr *pencilRemap) fillGhosts(values []float64, b mesh.BlockID, lane int) error {
	L := len(pr.p.Cells)
	if pr.p.Periodic {
		for k := 1; k <= StencilWidth; k++ {
			values[StencilWidth-k] = values[StencilWidth+(L-k%L)%L]
			values[StencilWidth+L-1+k] = values[StencilWidth+(k-1)%L]
		}
		return nil
	}
	for _, dir := range []mesh.Direction{mesh.Negative, mesh.Positive} {
		prev := values[StencilWidth]
		if dir == mesh.Positive {
			prev = values[StencilWidth+L-1]
		}
		for k := 0; k < StencilWidth; k++ {
			s, err := pr.slabAt(dir, k)
			if err != nil {
				return err
			}
			v, err := pr.sample(s, b, lane, prev)
			if err != nil {
				return err
			}
			if dir == mesh.Negative {
				values[StencilWidth-1-k] = v
			} else {
				values[StencilWidth+L+k] = v
			}
			prev = v
		}
	}
	return nil
}

// emit distributes mass (in units of density times pencil cell width)
// that landed k cell widths beyond the end of the pencil in direction
// dir over the cells there.
func (pr *pencilRemap) emit(res *pencilResult, contrib map[mesh.CellID]mesh.Blocks, dir mesh.Direction,
	k int, b mesh.BlockID, lane int, mass float64) error {
	if mass == 0 {
		return nil
	}
	s, err := pr.slabAt(dir, k)
	if err != nil {
		return err
	}
	res.outflow += s.outside * mass * pr.vol * pr.vm.SampleVolume()
	for i, id := range s.cells {
		tb, err := pr.m.Bounds(id)
		if err != nil {
			return topologyError(pr.dim, pr.p.ID, id, err)
		}
		blocks, ok := contrib[id]
		if !ok {
			blocks = make(mesh.Blocks)
			contrib[id] = blocks
		}
		blk := blocks[b]
		blk[lane] += s.weights[i] * mass * pr.vol / tb.Volume()
		blocks[b] = blk
	}
	return nil
}
