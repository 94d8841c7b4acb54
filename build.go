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
	"sort"

	"github.com/ctessum/geom"
	"github.com/spatialmodel/vtrans/advect"
	"github.com/spatialmodel/vtrans/mesh"
)

// StencilWidth is the number of cells on each side of a cell that
// the reconstruction reads.
const StencilWidth = advect.StencilWidth

// MinRingLength is the shortest allowed closed periodic pencil.
const MinRingLength = 2*StencilWidth + 1

func cellSet(cells []mesh.CellID) map[mesh.CellID]bool {
	o := make(map[mesh.CellID]bool, len(cells))
	for _, id := range cells {
		o[id] = true
	}
	return o
}

func sortedIDs(cells []mesh.CellID) []mesh.CellID {
	o := append([]mesh.CellID(nil), cells...)
	sort.Slice(o, func(i, j int) bool { return o[i] < o[j] })
	return o
}

// crossesBoundary reports whether stepping from cell a to its neighbor b
// in direction dir along dim wraps around a periodic boundary.
func crossesBoundary(m mesh.Mesh, a, b mesh.CellID, dim mesh.Dim, dir mesh.Direction) (bool, error) {
	ab, err := m.Bounds(a)
	if err != nil {
		return false, err
	}
	bb, err := m.Bounds(b)
	if err != nil {
		return false, err
	}
	if dir == mesh.Positive {
		return bb.Min[dim] <= ab.Min[dim], nil
	}
	return bb.Min[dim] >= ab.Min[dim], nil
}

// GetSeedIDs returns, in ascending order, the cells of localCells at which
// pencils along dim start: cells on the lower domain boundary, cells with
// no neighbor in the negative direction, and cells with a negative
// neighbor that is not in localCells.
func GetSeedIDs(m mesh.Mesh, localCells []mesh.CellID, dim mesh.Dim) ([]mesh.CellID, error) {
	local := cellSet(localCells)
	dom := m.DomainBounds()
	var o []mesh.CellID
	for _, id := range sortedIDs(localCells) {
		b, err := m.Bounds(id)
		if err != nil {
			return nil, topologyError(dim, -1, id, err)
		}
		if b.Min[dim] <= dom.Min[dim] {
			o = append(o, id)
			continue
		}
		n, err := SelectNeighbor(m, id, dim, mesh.Negative, Path{})
		if err != nil {
			return nil, err
		}
		if n.Kind == None {
			o = append(o, id)
			continue
		}
		for _, c := range n.Cells() {
			if !local[c] {
				o = append(o, id)
				break
			}
		}
	}
	return o, nil
}

func footprint(b mesh.Box, dim mesh.Dim) geom.Bounds {
	t1, t2 := dim.Transverse()
	return geom.Bounds{
		Min: geom.Point{X: b.Min[t1], Y: b.Min[t2]},
		Max: geom.Point{X: b.Max[t1], Y: b.Max[t2]},
	}
}

type pencilStart struct {
	id   mesh.CellID
	path Path
}

type pencilBuilder struct {
	m          mesh.Mesh
	dim        mesh.Dim
	local      map[mesh.CellID]bool
	covered    map[mesh.CellID]bool
	pencils    []*Pencil
	stack      []pencilStart
	generation uint64
}

// BuildPencils decomposes localCells into pencils along dim. Starting
// from each seed, a pencil follows same-level neighbors in the positive
// direction. When it meets finer cells it ends and four pencils continue
// from the finer neighbors; when it meets a coarser cell it ends and the
// first pencil to arrive continues into the coarser cell. Cells not
// reached from any seed start pencils of their own. Every cell of
// localCells ends up in exactly one pencil.
func BuildPencils(m mesh.Mesh, localCells []mesh.CellID, dim mesh.Dim) (*PencilSet, error) {
	b := &pencilBuilder{
		m:          m,
		dim:        dim,
		local:      cellSet(localCells),
		covered:    make(map[mesh.CellID]bool, len(localCells)),
		generation: m.Generation(),
	}
	seeds, err := GetSeedIDs(m, localCells, dim)
	if err != nil {
		return nil, err
	}
	for _, s := range seeds {
		if err := b.drain(pencilStart{id: s}); err != nil {
			return nil, err
		}
	}
	for _, id := range sortedIDs(localCells) {
		if err := b.drain(pencilStart{id: id}); err != nil {
			return nil, err
		}
	}
	return newPencilSet(dim, b.generation, b.pencils), nil
}

func (b *pencilBuilder) drain(start pencilStart) error {
	b.stack = append(b.stack[:0], start)
	for len(b.stack) > 0 {
		s := b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
		if b.covered[s.id] || !b.local[s.id] {
			continue
		}
		if err := b.walk(s); err != nil {
			return err
		}
	}
	return nil
}

func (b *pencilBuilder) walk(s pencilStart) error {
	level, err := b.m.Level(s.id)
	if err != nil {
		return topologyError(b.dim, -1, s.id, err)
	}
	box, err := b.m.Bounds(s.id)
	if err != nil {
		return topologyError(b.dim, -1, s.id, err)
	}
	p := &Pencil{
		ID:        len(b.pencils),
		Cells:     []mesh.CellID{s.id},
		Level:     level,
		Footprint: footprint(box, b.dim),
		Path:      s.path,
	}
	b.covered[s.id] = true
	cur := s.id
walk:
	for {
		n, err := SelectNeighbor(b.m, cur, b.dim, mesh.Positive, p.Path)
		if err != nil {
			return err
		}
		if n.Kind == None {
			break
		}
		wraps, err := crossesBoundary(b.m, cur, n.IDs[0], b.dim, mesh.Positive)
		if err != nil {
			return topologyError(b.dim, p.ID, cur, err)
		}
		switch n.Kind {
		case Same:
			next := n.Selected
			if wraps {
				p.Periodic = next == p.Cells[0]
				break walk
			}
			if !b.local[next] || b.covered[next] {
				break walk
			}
			p.Cells = append(p.Cells, next)
			b.covered[next] = true
			cur = next
		case Coarser:
			if !wraps {
				b.stack = append(b.stack, pencilStart{id: n.Selected, path: p.Path.Parent()})
			}
			break walk
		case Finer:
			if !wraps {
				// Push in reverse so that selector 0 is walked first.
				for sel := 3; sel >= 0; sel-- {
					child := p.Path.Append(sel)
					c, err := SelectNeighbor(b.m, cur, b.dim, mesh.Positive, child)
					if err != nil {
						return err
					}
					b.stack = append(b.stack, pencilStart{id: c.Selected, path: child})
				}
			}
			break walk
		}
	}
	if p.Periodic && len(p.Cells) < MinRingLength {
		return &Error{
			Kind:       InsufficientStencilWidth,
			Dimension:  int(b.dim),
			Population: -1,
			Pencil:     p.ID,
			Cell:       p.Cells[0],
			Msg:        "periodic pencil is shorter than the reconstruction stencil",
		}
	}
	b.pencils = append(b.pencils, p)
	return nil
}
