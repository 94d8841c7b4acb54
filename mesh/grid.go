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

package mesh

import (
	"fmt"
	"sort"
)

// GridConfig is a holder for the configuration information for creating
// a Grid.
type GridConfig struct {
	Cells    [3]int     // number of level-0 cells along each axis
	CellSize [3]float64 // level-0 cell edge lengths
	Origin   [3]float64 // lower corner of the domain
	Periodic [3]bool    // whether the domain wraps along each axis
	MaxLevel int        // maximum refinement level
}

// Grid is the global topology of an octree-refined block mesh: which
// cells are leaves and which rank owns them. Each refinement halves a
// cell along every axis, and face neighbors differ by at most one level.
type Grid struct {
	cfg GridConfig

	// owner holds the owning rank of every leaf cell.
	owner      map[CellID]int
	generation uint64
}

// NewGrid creates a grid of unrefined cells, all owned by rank 0.
func NewGrid(cfg GridConfig) (*Grid, error) {
	for d, n := range cfg.Cells {
		if n < 1 {
			return nil, fmt.Errorf("mesh.NewGrid: invalid number of cells %d along %v", n, Dim(d))
		}
		if cfg.CellSize[d] <= 0 {
			return nil, fmt.Errorf("mesh.NewGrid: invalid cell size %g along %v", cfg.CellSize[d], Dim(d))
		}
		if n<<uint(cfg.MaxLevel) > 1<<21 {
			return nil, fmt.Errorf("mesh.NewGrid: too many cells along %v", Dim(d))
		}
	}
	if cfg.MaxLevel < 0 {
		return nil, fmt.Errorf("mesh.NewGrid: invalid maximum level %d", cfg.MaxLevel)
	}
	g := &Grid{cfg: cfg, owner: make(map[CellID]int)}
	for k := 0; k < cfg.Cells[2]; k++ {
		for j := 0; j < cfg.Cells[1]; j++ {
			for i := 0; i < cfg.Cells[0]; i++ {
				g.owner[g.ID(0, [3]int{i, j, k})] = 0
			}
		}
	}
	return g, nil
}

// Config returns the configuration g was created with.
func (g *Grid) Config() GridConfig { return g.cfg }

// Clone returns a deep copy of g.
func (g *Grid) Clone() *Grid {
	o := &Grid{cfg: g.cfg, owner: make(map[CellID]int, len(g.owner)), generation: g.generation}
	for id, r := range g.owner {
		o.owner[id] = r
	}
	return o
}

// Generation changes whenever refinement or ownership changes.
func (g *Grid) Generation() uint64 { return g.generation }

func (g *Grid) levelDims(l int) [3]int {
	return [3]int{g.cfg.Cells[0] << uint(l), g.cfg.Cells[1] << uint(l), g.cfg.Cells[2] << uint(l)}
}

// levelOffset returns the number of possible cells at all levels below l.
func (g *Grid) levelOffset(l int) uint64 {
	n0 := uint64(g.cfg.Cells[0] * g.cfg.Cells[1] * g.cfg.Cells[2])
	var o uint64
	for m := 0; m < l; m++ {
		o += n0 << uint(3*m)
	}
	return o
}

// ID returns the id of the cell at level l with integer position idx
// at that level.
func (g *Grid) ID(l int, idx [3]int) CellID {
	n := g.levelDims(l)
	return CellID(1 + g.levelOffset(l) + uint64(idx[0]) + uint64(idx[1])*uint64(n[0]) +
		uint64(idx[2])*uint64(n[0])*uint64(n[1]))
}

// Index returns the level and integer position of cell id.
func (g *Grid) Index(id CellID) (int, [3]int, error) {
	if id == InvalidCell {
		return 0, [3]int{}, fmt.Errorf("mesh: invalid cell id 0")
	}
	v := uint64(id) - 1
	for l := 0; l <= g.cfg.MaxLevel; l++ {
		if v < g.levelOffset(l+1) {
			r := v - g.levelOffset(l)
			n := g.levelDims(l)
			nxy := uint64(n[0]) * uint64(n[1])
			return l, [3]int{int(r % uint64(n[0])), int((r % nxy) / uint64(n[0])), int(r / nxy)}, nil
		}
	}
	return 0, [3]int{}, fmt.Errorf("mesh: cell id %d exceeds maximum refinement level", id)
}

// IsLeaf reports whether id is a cell of the current mesh.
func (g *Grid) IsLeaf(id CellID) bool {
	_, ok := g.owner[id]
	return ok
}

// Leaves returns all cells of the mesh in ascending order.
func (g *Grid) Leaves() []CellID {
	o := make([]CellID, 0, len(g.owner))
	for id := range g.owner {
		o = append(o, id)
	}
	sort.Slice(o, func(i, j int) bool { return o[i] < o[j] })
	return o
}

// Len returns the number of cells in the mesh.
func (g *Grid) Len() int { return len(g.owner) }

// Level returns the refinement level of cell id.
func (g *Grid) Level(id CellID) (int, error) {
	if !g.IsLeaf(id) {
		return 0, fmt.Errorf("mesh: cell %d is not in the mesh", id)
	}
	l, _, err := g.Index(id)
	return l, err
}

// Bounds returns the extent of cell id.
func (g *Grid) Bounds(id CellID) (Box, error) {
	l, idx, err := g.Index(id)
	if err != nil {
		return Box{}, err
	}
	var b Box
	for d := range idx {
		h := g.cfg.CellSize[d] / float64(int(1)<<uint(l))
		b.Min[d] = g.cfg.Origin[d] + float64(idx[d])*h
		b.Max[d] = b.Min[d] + h
	}
	return b, nil
}

// DomainBounds returns the extent of the whole grid.
func (g *Grid) DomainBounds() Box {
	var b Box
	for d := range b.Min {
		b.Min[d] = g.cfg.Origin[d]
		b.Max[d] = g.cfg.Origin[d] + float64(g.cfg.Cells[d])*g.cfg.CellSize[d]
	}
	return b
}

// IsPeriodic reports whether the grid wraps along d.
func (g *Grid) IsPeriodic(d Dim) bool { return g.cfg.Periodic[d] }

// OwningRank returns the rank that owns cell id.
func (g *Grid) OwningRank(id CellID) (int, error) {
	r, ok := g.owner[id]
	if !ok {
		return -1, fmt.Errorf("mesh: cell %d is not in the mesh", id)
	}
	return r, nil
}

// FaceNeighbors returns the leaf cells adjacent to the face of cell id
// facing dir along d. See Mesh for the meaning of the result.
func (g *Grid) FaceNeighbors(id CellID, d Dim, dir Direction) ([]CellID, error) {
	if !g.IsLeaf(id) {
		return nil, fmt.Errorf("mesh: cell %d is not in the mesh", id)
	}
	l, idx, err := g.Index(id)
	if err != nil {
		return nil, err
	}
	n := g.levelDims(l)
	idx[d] += int(dir)
	if idx[d] < 0 || idx[d] >= n[d] {
		if !g.cfg.Periodic[d] {
			return nil, nil
		}
		idx[d] = (idx[d] + n[d]) % n[d]
	}
	if same := g.ID(l, idx); g.IsLeaf(same) {
		return []CellID{same}, nil
	}
	if l > 0 {
		parent := g.ID(l-1, [3]int{idx[0] >> 1, idx[1] >> 1, idx[2] >> 1})
		if g.IsLeaf(parent) {
			return []CellID{parent}, nil
		}
	}
	if l < g.cfg.MaxLevel {
		var base [3]int
		for i := range idx {
			base[i] = idx[i] * 2
		}
		if dir == Negative {
			base[d]++
		}
		t1, t2 := d.Transverse()
		o := make([]CellID, 4)
		for s := range o {
			c := base
			c[t1] += s & 1
			c[t2] += s >> 1
			o[s] = g.ID(l+1, c)
			if !g.IsLeaf(o[s]) {
				return nil, fmt.Errorf("mesh: face neighbors of cell %d along %v%+d differ by more than one level", id, d, int(dir))
			}
		}
		return o, nil
	}
	return nil, fmt.Errorf("mesh: cell %d has no neighbor along %v%+d", id, d, int(dir))
}

// Children returns the eight cells that refining id would create, with
// the x index varying fastest.
func (g *Grid) Children(id CellID) ([8]CellID, error) {
	var o [8]CellID
	l, idx, err := g.Index(id)
	if err != nil {
		return o, err
	}
	if l >= g.cfg.MaxLevel {
		return o, fmt.Errorf("mesh: cell %d is at the maximum refinement level", id)
	}
	for c := range o {
		o[c] = g.ID(l+1, [3]int{2*idx[0] + c&1, 2*idx[1] + (c>>1)&1, 2*idx[2] + c>>2})
	}
	return o, nil
}

// Refine replaces cell id with its eight children, which inherit its
// owner. Coarser face neighbors are refined first so that face neighbors
// never differ by more than one level.
func (g *Grid) Refine(id CellID) error {
	l, err := g.Level(id)
	if err != nil {
		return err
	}
	children, err := g.Children(id)
	if err != nil {
		return err
	}
	for _, d := range Dims {
		for _, dir := range []Direction{Negative, Positive} {
			nbrs, err := g.FaceNeighbors(id, d, dir)
			if err != nil {
				return err
			}
			if len(nbrs) != 1 {
				continue
			}
			nl, err := g.Level(nbrs[0])
			if err != nil {
				return err
			}
			if nl < l {
				if err := g.Refine(nbrs[0]); err != nil {
					return err
				}
			}
		}
	}
	r := g.owner[id]
	delete(g.owner, id)
	for _, c := range children {
		g.owner[c] = r
	}
	g.generation++
	return nil
}

// RefineBox refines every cell that overlaps the interior of b until it
// reaches the given level.
func (g *Grid) RefineBox(b Box, level int) error {
	if level > g.cfg.MaxLevel {
		return fmt.Errorf("mesh.RefineBox: level %d exceeds maximum level %d", level, g.cfg.MaxLevel)
	}
	for {
		var todo []CellID
		for _, id := range g.Leaves() {
			l, _, err := g.Index(id)
			if err != nil {
				return err
			}
			if l >= level {
				continue
			}
			cb, err := g.Bounds(id)
			if err != nil {
				return err
			}
			if overlaps(cb, b) {
				todo = append(todo, id)
			}
		}
		if len(todo) == 0 {
			return nil
		}
		for _, id := range todo {
			if !g.IsLeaf(id) {
				continue // already refined to keep the mesh balanced
			}
			if err := g.Refine(id); err != nil {
				return err
			}
		}
	}
}

func overlaps(a, b Box) bool {
	for d := range a.Min {
		if a.Max[d] <= b.Min[d] || b.Max[d] <= a.Min[d] {
			return false
		}
	}
	return true
}

// SetOwner assigns cell id to rank r.
func (g *Grid) SetOwner(id CellID, r int) error {
	if !g.IsLeaf(id) {
		return fmt.Errorf("mesh: cell %d is not in the mesh", id)
	}
	if g.owner[id] != r {
		g.owner[id] = r
		g.generation++
	}
	return nil
}
