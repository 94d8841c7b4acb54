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
	"strings"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/vtrans"
	"github.com/spatialmodel/vtrans/mesh"
	"github.com/spf13/cast"
)

// Refinement is a region of the mesh to refine.
type Refinement struct {
	Box   mesh.Box
	Level int
}

// MeshConfig reads the mesh configuration and refinement regions from cfg.
func MeshConfig(cfg *viper.Viper) (mesh.GridConfig, []Refinement, error) {
	var gc mesh.GridConfig
	cells, err := intSlice(cfg.Get("Mesh.Cells"))
	if err != nil {
		return gc, nil, fmt.Errorf("vtrans: invalid Mesh.Cells: %v", err)
	}
	if len(cells) != 3 {
		return gc, nil, fmt.Errorf("vtrans: Mesh.Cells must have 3 values, not %d", len(cells))
	}
	size := cfg.GetFloat64("Mesh.CellSize")
	for d := range gc.Cells {
		gc.Cells[d] = cells[d]
		gc.CellSize[d] = size
	}
	periodic, err := stringSlice(cfg.Get("Mesh.Periodic"))
	if err != nil {
		return gc, nil, fmt.Errorf("vtrans: invalid Mesh.Periodic: %v", err)
	}
	for _, p := range periodic {
		d, err := parseDim(p)
		if err != nil {
			return gc, nil, fmt.Errorf("vtrans: invalid Mesh.Periodic: %v", err)
		}
		gc.Periodic[d] = true
	}
	gc.MaxLevel = cfg.GetInt("Mesh.MaxLevel")

	boxes, err := stringSlice(cfg.Get("Mesh.Refine"))
	if err != nil {
		return gc, nil, fmt.Errorf("vtrans: invalid Mesh.Refine: %v", err)
	}
	var refine []Refinement
	for _, b := range boxes {
		v, err := parseFloats(strings.Fields(b))
		if err != nil || len(v) != 7 {
			return gc, nil, fmt.Errorf("vtrans: invalid Mesh.Refine box %q", b)
		}
		r := Refinement{Level: int(v[6])}
		copy(r.Box.Min[:], v[0:3])
		copy(r.Box.Max[:], v[3:6])
		refine = append(refine, r)
	}
	return gc, refine, nil
}

// Populations reads the particle populations from cfg.
func Populations(cfg *viper.Viper) ([]vtrans.Population, error) {
	names, err := stringSlice(cfg.Get("Populations"))
	if err != nil {
		return nil, fmt.Errorf("vtrans: invalid Populations: %v", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("vtrans: no Populations")
	}
	vmax := cfg.GetFloat64("Velocity.Max")
	nb := cfg.GetInt("Velocity.Blocks")
	if vmax <= 0 || nb < 1 {
		return nil, fmt.Errorf("vtrans: invalid velocity mesh: Velocity.Max=%g, Velocity.Blocks=%d", vmax, nb)
	}
	dv := 2 * vmax / float64(nb*mesh.WID)
	vm := vtrans.VelocityMesh{
		Min:    [3]float64{-vmax, -vmax, -vmax},
		Dv:     [3]float64{dv, dv, dv},
		Blocks: [3]int{nb, nb, nb},
	}
	pops := make([]vtrans.Population, len(names))
	for i, n := range names {
		pops[i] = vtrans.Population{Name: n, Velocity: vm}
	}
	return pops, nil
}

// intSlice converts v to a slice of ints. Flags and environment
// variables hold lists as strings such as "[16,8,8]".
func intSlice(v interface{}) ([]int, error) {
	s, ok := v.(string)
	if !ok {
		return cast.ToIntSliceE(v)
	}
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	var o []int
	for _, f := range strings.Split(s, ",") {
		i, err := cast.ToIntE(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		o = append(o, i)
	}
	return o, nil
}

// stringSlice converts v to a slice of strings. Unset values are empty.
func stringSlice(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToStringSliceE(v)
}

func parseDim(s string) (mesh.Dim, error) {
	for _, d := range mesh.Dims {
		if strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("vtrans: invalid axis %q", s)
}

func parseFloats(s []string) ([]float64, error) {
	o := make([]float64, len(s))
	for i, v := range s {
		f, err := cast.ToFloat64E(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		o[i] = f
	}
	return o, nil
}

// buildGrid creates the configured grid, refines it and splits it over
// the given number of ranks.
func buildGrid(gc mesh.GridConfig, refine []Refinement, ranks int) (*mesh.Grid, error) {
	g, err := mesh.NewGrid(gc)
	if err != nil {
		return nil, err
	}
	for _, r := range refine {
		if err := g.RefineBox(r.Box, r.Level); err != nil {
			return nil, err
		}
	}
	if err := g.PartitionMorton(ranks); err != nil {
		return nil, err
	}
	return g, nil
}
