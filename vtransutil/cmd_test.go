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
	"bytes"
	"context"
	"fmt"
	"math"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/spatialmodel/vtrans/mesh"
)

func TestVersion(t *testing.T) {
	var buf bytes.Buffer
	Root.SetOutput(&buf)
	defer Root.SetOutput(nil)
	Root.SetArgs([]string{"version"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if have, want := buf.String(), "vtrans v"+Version+"\n"; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
}

func TestRunCmd(t *testing.T) {
	var buf bytes.Buffer
	Root.SetOutput(&buf)
	defer Root.SetOutput(nil)
	Cfg.Set("config", "configExample.toml")
	Root.SetArgs([]string{"run"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Rank 0   step 4", "Rank 1   step 4", "remap", "exchange"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestPencilsCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pencils.toml")
	Cfg.Set("config", "configExample.toml")
	Cfg.Set("OutputFile", path)
	Cfg.Set("dim", "y")
	Cfg.Set("rank", 1)
	defer func() {
		Cfg.Set("OutputFile", "")
		Cfg.Set("dim", "x")
		Cfg.Set("rank", 0)
	}()
	Root.SetArgs([]string{"pencils"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}

	var r PencilReport
	if _, err := toml.DecodeFile(path, &r); err != nil {
		t.Fatal(err)
	}
	if r.Dimension != "y" || r.Rank != 1 {
		t.Errorf("dimension %s, rank %d", r.Dimension, r.Rank)
	}
	if len(r.Pencils) == 0 {
		t.Fatal("no pencils")
	}
	seen := make(map[int64]bool)
	for i, p := range r.Pencils {
		if p.ID != i {
			t.Errorf("pencil %d has ID %d", i, p.ID)
		}
		if p.Periodic {
			t.Errorf("pencil %d is periodic along a non-periodic axis", i)
		}
		for _, id := range p.Cells {
			if seen[id] {
				t.Errorf("cell %d is in more than one pencil", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != r.LocalCells {
		t.Errorf("pencils hold %d cells, rank has %d", len(seen), r.LocalCells)
	}
}

func TestPencils(t *testing.T) {
	gc := mesh.GridConfig{
		Cells:    [3]int{4, 2, 2},
		CellSize: [3]float64{1, 1, 1},
		MaxLevel: 1,
	}
	r, err := Pencils(gc, nil, 1, 0, mesh.X, []float64{0.5, 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Pencils) != 1 {
		t.Fatalf("have %d pencils, want 1", len(r.Pencils))
	}
	p := r.Pencils[0]
	if want := []int64{1, 2, 3, 4}; len(p.Cells) != len(want) {
		t.Errorf("cells %v, want %v", p.Cells, want)
	} else {
		for i := range want {
			if p.Cells[i] != want[i] {
				t.Errorf("cells %v, want %v", p.Cells, want)
				break
			}
		}
	}
	if p.Min != [2]float64{0, 0} || p.Max != [2]float64{1, 1} {
		t.Errorf("footprint %v to %v", p.Min, p.Max)
	}
	if r.LocalCells != 16 {
		t.Errorf("local cells: %d", r.LocalCells)
	}

	var buf bytes.Buffer
	if err := WritePencils(&buf, gc, nil, 1, 0, mesh.Z, nil); err != nil {
		t.Fatal(err)
	}
	var decoded PencilReport
	if _, err := toml.DecodeReader(&buf, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Dimension != "z" || len(decoded.Pencils) != 8 {
		t.Errorf("z report: dimension %s with %d pencils", decoded.Dimension, len(decoded.Pencils))
	}

	if _, err := Pencils(gc, nil, 2, 2, mesh.X, nil); err == nil {
		t.Error("invalid rank should cause an error")
	}
}

func TestPencilShapefile(t *testing.T) {
	gc := mesh.GridConfig{
		Cells:    [3]int{2, 2, 2},
		CellSize: [3]float64{1, 1, 1},
		MaxLevel: 1,
	}
	refine := []Refinement{{Box: mesh.Box{Max: [3]float64{1, 1, 1}}, Level: 1}}
	r, err := Pencils(gc, refine, 1, 0, mesh.Y, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "pencils.shp")
	if err := WritePencilShapefile(path, r); err != nil {
		t.Fatal(err)
	}

	d, err := shp.NewDecoder(path)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	var n int
	var area float64
	for {
		var rec struct {
			geom.Polygon
			ID, Level, Cells int
		}
		if more := d.DecodeRow(&rec); !more {
			break
		}
		if rec.ID != n {
			t.Errorf("row %d has pencil %d", n, rec.ID)
		}
		if want := len(r.Pencils[n].Cells); rec.Cells != want {
			t.Errorf("pencil %d: %d cells, want %d", n, rec.Cells, want)
		}
		area += rec.Polygon.Area()
		n++
	}
	if err := d.Error(); err != nil {
		t.Fatal(err)
	}
	if n != len(r.Pencils) {
		t.Errorf("read %d pencils, want %d", n, len(r.Pencils))
	}
	// Four coarse pencils cover the unit squares, and four fine pencils
	// cover the refined square again.
	if different(area, 5, 1e-10) {
		t.Errorf("total footprint area %g, want 5", area)
	}

	if err := WritePencilShapefile(filepath.Join(t.TempDir(), "pencils.toml"), r); err == nil {
		t.Error("non-shapefile path should cause an error")
	}
}

func different(a, b, tolerance float64) bool {
	return math.Abs(a-b) > tolerance
}

func TestRunErrors(t *testing.T) {
	gc := mesh.GridConfig{
		Cells:    [3]int{4, 2, 2},
		CellSize: [3]float64{1, 1, 1},
	}
	pops, err := Populations(Cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []RunConfig{
		{Grid: gc, Populations: pops, Ranks: 0, Steps: 1, BlobWidth: 1, BlobThermal: 1},
		{Grid: gc, Populations: pops, Ranks: 1, Steps: 0, BlobWidth: 1, BlobThermal: 1},
		{Grid: gc, Populations: pops, Ranks: 1, Steps: 1},
		{Grid: gc, Populations: pops, Ranks: 1, Steps: 1, BlobWidth: 1, BlobThermal: 1, Dt: 10},
	} {
		if err := Run(context.Background(), new(bytes.Buffer), c); err == nil {
			t.Errorf("%+v should cause an error", c)
		}
	}
}

// freeAddrs returns n loopback addresses that were free when it was called.
func freeAddrs(t *testing.T, n int) []string {
	o := make([]string, n)
	for i := range o {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		o[i] = l.Addr().String()
		l.Close()
	}
	return o
}

func TestRunPeers(t *testing.T) {
	const ranks = 2
	pops, err := Populations(Cfg)
	if err != nil {
		t.Fatal(err)
	}
	c := RunConfig{
		Grid: mesh.GridConfig{
			Cells:    [3]int{8, 2, 2},
			CellSize: [3]float64{1, 1, 1},
			Periodic: [3]bool{true, false, false},
			MaxLevel: 1,
		},
		Refine:      []Refinement{{Box: mesh.Box{Min: [3]float64{3, 0, 0}, Max: [3]float64{5, 1, 1}}, Level: 1}},
		Populations: pops,
		Peers:       freeAddrs(t, ranks),
		Workers:     1,
		Dt:          0.05,
		Steps:       3,
		BlobWidth:   1.5,
		BlobThermal: 1,
		Threshold:   1e-6,
	}
	outs := make([]bytes.Buffer, ranks)
	errs := make([]error, ranks)
	var wg sync.WaitGroup
	for r := 0; r < ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rc := c
			rc.Rank = r
			errs[r] = Run(context.Background(), &outs[r], rc)
		}(r)
	}
	wg.Wait()
	for r := range outs {
		if errs[r] != nil {
			t.Fatalf("rank %d: %v", r, errs[r])
		}
		out := outs[r].String()
		for _, want := range []string{fmt.Sprintf("Rank %-3d step 3", r), "exchange"} {
			if !strings.Contains(out, want) {
				t.Errorf("rank %d output does not contain %q:\n%s", r, want, out)
			}
		}
	}

	bad := c
	bad.Rank = ranks
	if err := Run(context.Background(), new(bytes.Buffer), bad); err == nil {
		t.Error("rank outside of Peers should cause an error")
	}
}
