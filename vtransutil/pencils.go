/*
Copyright © 2017 the InMAP authors.
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

package vtransutil

import (
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/spatialmodel/vtrans"
	"github.com/spatialmodel/vtrans/exchange"
	"github.com/spatialmodel/vtrans/mesh"
)

// PencilReport describes the pencils of one rank along one axis.
type PencilReport struct {
	Dimension  string
	Rank       int
	Generation int64
	LocalCells int
	Pencils    []PencilRecord
}

// PencilRecord describes one pencil. Min and Max are the corners of
// its transverse footprint.
type PencilRecord struct {
	ID       int
	Level    int
	Periodic bool
	Path     []int
	Min, Max [2]float64
	Cells    []int64
}

// Pencils builds the configured mesh, splits it over ranks and
// returns the pencils of rank along dim. If at holds a transverse
// position, only the pencils covering it are returned.
func Pencils(gc mesh.GridConfig, refine []Refinement, ranks, rank int, dim mesh.Dim, at []float64) (*PencilReport, error) {
	if rank < 0 || rank >= ranks {
		return nil, fmt.Errorf("vtrans: invalid rank %d of %d", rank, ranks)
	}
	g, err := buildGrid(gc, refine, ranks)
	if err != nil {
		return nil, err
	}
	d := mesh.NewDomain(g, exchange.NewHub(ranks).Node(rank), 1)
	ps, err := vtrans.BuildPencils(d, d.LocalCells(), dim)
	if err != nil {
		return nil, err
	}
	pencils := ps.Pencils()
	if len(at) == 2 {
		pencils = ps.PencilsAt(at[0], at[1])
	}
	r := &PencilReport{
		Dimension:  dim.String(),
		Rank:       rank,
		Generation: int64(ps.Generation),
		LocalCells: len(d.LocalCells()),
	}
	for _, p := range pencils {
		rec := PencilRecord{
			ID:       p.ID,
			Level:    p.Level,
			Periodic: p.Periodic,
			Path:     make([]int, p.Path.Len()),
			Min:      [2]float64{p.Footprint.Min.X, p.Footprint.Min.Y},
			Max:      [2]float64{p.Footprint.Max.X, p.Footprint.Max.Y},
			Cells:    make([]int64, p.Len()),
		}
		for i := range rec.Path {
			rec.Path[i] = p.Path.At(i)
		}
		for i, id := range p.Cells {
			rec.Cells[i] = int64(id)
		}
		r.Pencils = append(r.Pencils, rec)
	}
	return r, nil
}

// WritePencils writes the report returned by Pencils to w in TOML format.
func WritePencils(w io.Writer, gc mesh.GridConfig, refine []Refinement, ranks, rank int, dim mesh.Dim, at []float64) error {
	r, err := Pencils(gc, refine, ranks, rank, dim, at)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(w).Encode(r); err != nil {
		return fmt.Errorf("vtrans: writing pencil report: %v", err)
	}
	return nil
}

// pencilShape is a shapefile record describing the footprint of one pencil.
type pencilShape struct {
	geom.Polygon
	ID, Level, Cells int
	Periodic         string
	Path             string
}

// IsShapefile reports whether path names an ESRI shapefile.
func IsShapefile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".shp")
}

// WritePencilShapefile writes the transverse footprints of the pencils
// in r to a shapefile at path.
func WritePencilShapefile(path string, r *PencilReport) error {
	if !IsShapefile(path) {
		return fmt.Errorf("vtrans: pencil shapefile path %q must end in .shp", path)
	}
	e, err := shp.NewEncoder(path, pencilShape{})
	if err != nil {
		return fmt.Errorf("vtrans: creating pencil shapefile: %v", err)
	}
	defer e.Close()
	for _, p := range r.Pencils {
		periodic := "F"
		if p.Periodic {
			periodic = "T"
		}
		steps := make([]string, len(p.Path))
		for i, s := range p.Path {
			steps[i] = fmt.Sprint(s)
		}
		err := e.Encode(pencilShape{
			Polygon: geom.Polygon{{
				{X: p.Min[0], Y: p.Min[1]},
				{X: p.Max[0], Y: p.Min[1]},
				{X: p.Max[0], Y: p.Max[1]},
				{X: p.Min[0], Y: p.Max[1]},
				{X: p.Min[0], Y: p.Min[1]},
			}},
			ID:       p.ID,
			Level:    p.Level,
			Cells:    len(p.Cells),
			Periodic: periodic,
			Path:     strings.Join(steps, ""),
		})
		if err != nil {
			return fmt.Errorf("vtrans: writing pencil %d to shapefile: %v", p.ID, err)
		}
	}
	return nil
}
