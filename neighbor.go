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
	"strings"

	"github.com/spatialmodel/vtrans/mesh"
)

// Path records, for a pencil that has passed from coarse to fine cells,
// which of the four finer neighbors was taken at each refinement step.
// Paths are immutable: Append and Parent return new values.
type Path struct {
	s []uint8
}

// Append returns p extended by selector s (0 to 3).
func (p Path) Append(s int) Path {
	if s < 0 || s > 3 {
		panic(fmt.Errorf("vtrans: invalid path selector %d", s))
	}
	o := make([]uint8, len(p.s)+1)
	copy(o, p.s)
	o[len(p.s)] = uint8(s)
	return Path{s: o}
}

// Parent returns p without its last selector.
func (p Path) Parent() Path {
	if len(p.s) == 0 {
		return p
	}
	return Path{s: p.s[:len(p.s)-1]}
}

// Len returns the number of selectors in p.
func (p Path) Len() int { return len(p.s) }

// At returns selector i.
func (p Path) At(i int) int { return int(p.s[i]) }

// Last returns the last selector, or -1 if p is empty.
func (p Path) Last() int {
	if len(p.s) == 0 {
		return -1
	}
	return int(p.s[len(p.s)-1])
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range p.s {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", s)
	}
	b.WriteByte(']')
	return b.String()
}

// NeighborKind classifies the neighbor across a cell face.
type NeighborKind int

// Neighbor kinds.
const (
	None NeighborKind = iota
	Same
	Coarser
	Finer
)

func (k NeighborKind) String() string {
	switch k {
	case None:
		return "none"
	case Same:
		return "same"
	case Coarser:
		return "coarser"
	case Finer:
		return "finer"
	default:
		return fmt.Sprintf("NeighborKind(%d)", int(k))
	}
}

// Neighbor is the result of a neighbor query.
type Neighbor struct {
	Kind NeighborKind

	// IDs holds one cell for Same and Coarser and four cells in
	// selector order for Finer.
	IDs [4]mesh.CellID

	// Selected is the single cell picked by the query path: IDs[0] for
	// Same and Coarser, and for Finer the cell chosen by the last path
	// selector, or InvalidCell if the path is empty.
	Selected mesh.CellID
}

// Cells returns the neighbor cells.
func (n Neighbor) Cells() []mesh.CellID {
	switch n.Kind {
	case Same, Coarser:
		return n.IDs[:1]
	case Finer:
		return n.IDs[:]
	}
	return nil
}

// SelectNeighbor returns the neighbor of cell id across its face in
// direction dir along dim. For finer neighbors the last selector of path
// picks the Selected cell. Inconsistent adjacency is reported as
// CorruptMeshTopology.
func SelectNeighbor(m mesh.Mesh, id mesh.CellID, dim mesh.Dim, dir mesh.Direction, path Path) (Neighbor, error) {
	corrupt := func(format string, a ...interface{}) (Neighbor, error) {
		e := newError(CorruptMeshTopology, format, a...)
		e.Dimension = int(dim)
		e.Cell = id
		return Neighbor{}, e
	}
	ids, err := m.FaceNeighbors(id, dim, dir)
	if err != nil {
		return corrupt("%v", err)
	}
	l, err := m.Level(id)
	if err != nil {
		return corrupt("%v", err)
	}
	var n Neighbor
	switch len(ids) {
	case 0:
		return n, nil
	case 1:
		nl, err := m.Level(ids[0])
		if err != nil {
			return corrupt("%v", err)
		}
		switch nl {
		case l:
			n.Kind = Same
		case l - 1:
			n.Kind = Coarser
		default:
			return corrupt("neighbor %d is at level %d, cell is at level %d", ids[0], nl, l)
		}
		n.IDs[0] = ids[0]
		n.Selected = ids[0]
	case 4:
		for i, c := range ids {
			nl, err := m.Level(c)
			if err != nil {
				return corrupt("%v", err)
			}
			if nl != l+1 {
				return corrupt("finer neighbor %d is at level %d, cell is at level %d", c, nl, l)
			}
			n.IDs[i] = c
		}
		n.Kind = Finer
		if s := path.Last(); s >= 0 {
			n.Selected = n.IDs[s]
		}
	default:
		return corrupt("%d neighbors along %v%+d", len(ids), dim, int(dir))
	}
	return n, nil
}
