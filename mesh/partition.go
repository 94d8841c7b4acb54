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

// expand3 spreads the low 21 bits of v so that there are two zero
// bits between each of them.
func expand3(v uint64) uint64 {
	v &= 0x1fffff
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

// morton returns the Z-order key of the lower corner of cell id at
// the finest level of g.
func (g *Grid) morton(id CellID) (uint64, error) {
	l, idx, err := g.Index(id)
	if err != nil {
		return 0, err
	}
	s := uint(g.cfg.MaxLevel - l)
	return expand3(uint64(idx[0])<<s) | expand3(uint64(idx[1])<<s)<<1 | expand3(uint64(idx[2])<<s)<<2, nil
}

// PartitionMorton assigns the cells of g to ranks in contiguous runs of
// a Z-order curve, weighting every cell equally.
func (g *Grid) PartitionMorton(ranks int) error {
	if ranks < 1 {
		return fmt.Errorf("mesh.PartitionMorton: invalid number of ranks %d", ranks)
	}
	type kv struct {
		key uint64
		id  CellID
	}
	cells := make([]kv, 0, len(g.owner))
	for id := range g.owner {
		k, err := g.morton(id)
		if err != nil {
			return err
		}
		cells = append(cells, kv{key: k, id: id})
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].key != cells[j].key {
			return cells[i].key < cells[j].key
		}
		return cells[i].id < cells[j].id
	})
	for i, c := range cells {
		g.owner[c.id] = i * ranks / len(cells)
	}
	g.generation++
	return nil
}

// RankCells returns the cells owned by rank r in ascending order.
func (g *Grid) RankCells(r int) []CellID {
	var o []CellID
	for id, owner := range g.owner {
		if owner == r {
			o = append(o, id)
		}
	}
	sort.Slice(o, func(i, j int) bool { return o[i] < o[j] })
	return o
}
