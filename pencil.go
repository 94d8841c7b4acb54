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
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/spatialmodel/vtrans/mesh"
)

// Pencil is a chain of adjacent cells at the same refinement level
// along the translation axis.
type Pencil struct {
	ID    int
	Cells []mesh.CellID
	Level int

	// Footprint is the extent of the pencil perpendicular to the
	// translation axis d, with X along (d+1)%3 and Y along (d+2)%3.
	Footprint geom.Bounds

	// Periodic is true if the pencil closes on itself across a periodic
	// domain boundary.
	Periodic bool

	// Path is the sequence of refinement choices taken to reach the
	// pencil from a coarser pencil.
	Path Path
}

// Outline returns the footprint of p as a polygon.
func (p *Pencil) Outline() geom.Polygon {
	f := p.Footprint
	return geom.Polygon{{
		{X: f.Min.X, Y: f.Min.Y},
		{X: f.Max.X, Y: f.Min.Y},
		{X: f.Max.X, Y: f.Max.Y},
		{X: f.Min.X, Y: f.Max.Y},
		{X: f.Min.X, Y: f.Min.Y},
	}}
}

// pencilEntry is the spatial index entry of a pencil.
type pencilEntry struct {
	geom.Polygon
	p *Pencil
}

// Len returns the number of cells in p.
func (p *Pencil) Len() int { return len(p.Cells) }

func (p *Pencil) footprintArea() float64 {
	return (p.Footprint.Max.X - p.Footprint.Min.X) * (p.Footprint.Max.Y - p.Footprint.Min.Y)
}

// PencilSet is the decomposition of a rank's cells into pencils along one
// axis. It is not modified after construction.
type PencilSet struct {
	Dimension  mesh.Dim
	Generation uint64

	ids     []mesh.CellID
	offsets []int
	pencils []*Pencil
	member  map[mesh.CellID]int
	index   *rtree.Rtree
}

// newPencilSet packs the pencil cells into one array.
func newPencilSet(dim mesh.Dim, generation uint64, pencils []*Pencil) *PencilSet {
	n := 0
	for _, p := range pencils {
		n += len(p.Cells)
	}
	ps := &PencilSet{
		Dimension:  dim,
		Generation: generation,
		ids:        make([]mesh.CellID, 0, n),
		offsets:    make([]int, 0, len(pencils)+1),
		pencils:    pencils,
		member:     make(map[mesh.CellID]int, n),
		index:      rtree.NewTree(25, 50),
	}
	for i, p := range pencils {
		ps.offsets = append(ps.offsets, len(ps.ids))
		ps.ids = append(ps.ids, p.Cells...)
		start := ps.offsets[i]
		p.Cells = ps.ids[start:len(ps.ids):len(ps.ids)]
		p.ID = i
		for _, id := range p.Cells {
			ps.member[id] = i
		}
		ps.index.Insert(pencilEntry{Polygon: p.Outline(), p: p})
	}
	ps.offsets = append(ps.offsets, len(ps.ids))
	return ps
}

// Len returns the number of pencils.
func (ps *PencilSet) Len() int { return len(ps.pencils) }

// NumCells returns the total number of cells in all pencils.
func (ps *PencilSet) NumCells() int { return len(ps.ids) }

// Pencil returns pencil i.
func (ps *PencilSet) Pencil(i int) *Pencil { return ps.pencils[i] }

// Pencils returns all pencils in order.
func (ps *PencilSet) Pencils() []*Pencil { return ps.pencils }

// IDs returns the cells of all pencils, pencil after pencil, and the
// offset of each pencil's first cell, followed by the total length.
func (ps *PencilSet) IDs() ([]mesh.CellID, []int) { return ps.ids, ps.offsets }

// PencilOf returns the index of the pencil containing cell id.
func (ps *PencilSet) PencilOf(id mesh.CellID) (int, bool) {
	i, ok := ps.member[id]
	return i, ok
}

// PencilsAt returns the pencils whose footprint contains the transverse
// point (x, y), in order of id. Footprints include their lower edges
// but not their upper edges.
func (ps *PencilSet) PencilsAt(x, y float64) []*Pencil {
	var o []*Pencil
	for _, b := range ps.index.SearchIntersect(rtree.ToRect(geom.Point{X: x, Y: y}, 0)) {
		p := b.(pencilEntry).p
		f := p.Footprint
		if x >= f.Min.X && x < f.Max.X && y >= f.Min.Y && y < f.Max.Y {
			o = append(o, p)
		}
	}
	sort.Slice(o, func(i, j int) bool { return o[i].ID < o[j].ID })
	return o
}

// CheckCoverage returns an error unless every cell in cells belongs to
// exactly one pencil and no pencil holds any other cell.
func (ps *PencilSet) CheckCoverage(cells []mesh.CellID) error {
	want := make(map[mesh.CellID]bool, len(cells))
	for _, id := range cells {
		want[id] = true
	}
	seen := make(map[mesh.CellID]bool, len(ps.ids))
	for _, id := range ps.ids {
		if seen[id] {
			return fmt.Errorf("vtrans: cell %d is in more than one pencil", id)
		}
		if !want[id] {
			return fmt.Errorf("vtrans: pencil cell %d is not in the input set", id)
		}
		seen[id] = true
	}
	if len(seen) != len(want) {
		for id := range want {
			if !seen[id] {
				return fmt.Errorf("vtrans: cell %d is not in any pencil", id)
			}
		}
	}
	return nil
}
