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
	"errors"
	"fmt"
	"strings"

	"github.com/spatialmodel/vtrans/mesh"
)

// ErrorKind classifies translation failures.
type ErrorKind int

const (
	// CorruptMeshTopology means a neighbor relation was missing or
	// inconsistent with the refinement rules.
	CorruptMeshTopology ErrorKind = iota + 1

	// InsufficientStencilWidth means a closed periodic pencil is too
	// short for the reconstruction stencil.
	InsufficientStencilWidth

	// CflViolation means a displacement reached half the pencil length.
	CflViolation

	// NegativeDensity means a remapped density was negative. It is
	// recovered by clamping and is only reported in PassStats.
	NegativeDensity

	// TransferMismatch means a contribution message was missing,
	// malformed or addressed to the wrong rank.
	TransferMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case CorruptMeshTopology:
		return "corrupt mesh topology"
	case InsufficientStencilWidth:
		return "insufficient stencil width"
	case CflViolation:
		return "CFL violation"
	case NegativeDensity:
		return "negative density"
	case TransferMismatch:
		return "transfer mismatch"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a translation failure together with where it happened.
// Fields that do not apply are negative (or InvalidCell for Cell).
type Error struct {
	Kind       ErrorKind
	Dimension  int
	Population int
	Pencil     int
	Cell       mesh.CellID
	Msg        string
}

func newError(kind ErrorKind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Dimension: -1, Population: -1, Pencil: -1, Msg: fmt.Sprintf(format, a...)}
}

func (e *Error) Error() string {
	var ctx []string
	if e.Dimension >= 0 {
		ctx = append(ctx, fmt.Sprintf("dimension %v", mesh.Dim(e.Dimension)))
	}
	if e.Population >= 0 {
		ctx = append(ctx, fmt.Sprintf("population %d", e.Population))
	}
	if e.Pencil >= 0 {
		ctx = append(ctx, fmt.Sprintf("pencil %d", e.Pencil))
	}
	if e.Cell != mesh.InvalidCell {
		ctx = append(ctx, fmt.Sprintf("cell %d", e.Cell))
	}
	if len(ctx) == 0 {
		return fmt.Sprintf("vtrans: %v: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("vtrans: %v (%s): %s", e.Kind, strings.Join(ctx, ", "), e.Msg)
}

func topologyError(dim mesh.Dim, pencil int, cell mesh.CellID, err error) *Error {
	return &Error{
		Kind:       CorruptMeshTopology,
		Dimension:  int(dim),
		Population: -1,
		Pencil:     pencil,
		Cell:       cell,
		Msg:        err.Error(),
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// withPass fills in the dimension and population of a translation error
// that does not have them yet.
func withPass(err error, dim mesh.Dim, pop int) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Dimension < 0 {
			e.Dimension = int(dim)
		}
		if e.Population < 0 {
			e.Population = pop
		}
	}
	return err
}
