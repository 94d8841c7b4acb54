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
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kr/pretty"
	"github.com/spatialmodel/vtrans/exchange"
	"github.com/spatialmodel/vtrans/mesh"
	"go.uber.org/goleak"
)

// testPopulation has one velocity block with velocities -3, -1, 1 and 3
// along x and velocities below 0.2 along y and z.
func testPopulation() Population {
	return Population{
		Name: "test",
		Velocity: VelocityMesh{
			Min:    [3]float64{-4, -0.2, -0.2},
			Dv:     [3]float64{2, 0.1, 0.1},
			Blocks: [3]int{1, 1, 1},
		},
	}
}

// lane returns the sample index for the given position in a block.
func lane(i, j, k int) int { return i + j*mesh.WID + k*mesh.WID*mesh.WID }

func newTranslator(t *testing.T, m mesh.Mesh, ex exchange.Exchanger) *Translator {
	tr, err := NewTranslator(m, ex, []Population{testPopulation()})
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

// rowDomain is a single-rank row of n unit cells along x.
func rowDomain(t *testing.T, n int) (*mesh.Grid, *mesh.Domain, *Translator) {
	g := newGrid(t, n, 1, 1, [3]bool{})
	h := exchange.NewHub(1)
	d := mesh.NewDomain(g, h.Node(0), 1)
	return g, d, newTranslator(t, d, h.Node(0))
}

func setSample(t *testing.T, m mesh.Mesh, id mesh.CellID, ln int, v float64) {
	c, ok := m.Cell(id)
	if !ok {
		t.Fatalf("no cell %d", id)
	}
	blk := c.Populations[0][0]
	blk[ln] = v
	c.Populations[0][0] = blk
}

func sample(m mesh.Mesh, id mesh.CellID, ln int) float64 {
	c, _ := m.Cell(id)
	return c.Populations[0][0][ln]
}

// snapshot copies the data of all local cells of m.
func snapshot(m mesh.Mesh) map[mesh.CellID]mesh.Blocks {
	o := make(map[mesh.CellID]mesh.Blocks)
	for _, id := range m.LocalCells() {
		c, _ := m.Cell(id)
		o[id] = c.Populations[0].Copy()
	}
	return o
}

// fill sets every sample of every local cell from the cell center.
func fill(t *testing.T, m mesh.Mesh) {
	for _, id := range m.LocalCells() {
		b, err := m.Bounds(id)
		if err != nil {
			t.Fatal(err)
		}
		var r2 float64
		for d := range b.Min {
			x := (b.Min[d]+b.Max[d])/2 - 2
			r2 += x * x
		}
		var blk mesh.Block
		for ln := range blk {
			blk[ln] = math.Exp(-r2) * float64(1+ln%mesh.WID)
		}
		c, _ := m.Cell(id)
		c.Populations[0][0] = blk
	}
}

func pass(t *testing.T, tr *Translator, dim mesh.Dim, dt float64) *PassStats {
	ps, err := tr.PencilSet(dim)
	if err != nil {
		t.Fatal(err)
	}
	st, err := tr.TransportPass(context.Background(), ps, dim, dt, 0)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func checkConservation(t *testing.T, st *PassStats) {
	t.Helper()
	if d := math.Abs(st.MassBefore - st.MassAfter - st.Outflow); d > 1e-12*st.MassBefore {
		t.Errorf("mass before %g, after %g, outflow %g", st.MassBefore, st.MassAfter, st.Outflow)
	}
}

func TestTransportPassWholeCell(t *testing.T) {
	g, d, tr := rowDomain(t, 10)
	c4 := g.ID(0, [3]int{4, 0, 0})
	c5 := g.ID(0, [3]int{5, 0, 0})
	setSample(t, d, c4, lane(2, 0, 0), 1) // v = 1
	st := pass(t, tr, mesh.X, 1)
	if v := sample(d, c5, lane(2, 0, 0)); v != 1 {
		t.Errorf("cell 5: have %g, want 1", v)
	}
	if v := sample(d, c4, lane(2, 0, 0)); v != 0 {
		t.Errorf("cell 4: have %g, want 0", v)
	}
	if st.Outflow != 0 || st.Negatives != 0 || st.Pencils != 1 {
		t.Errorf("stats: %# v", pretty.Formatter(st))
	}
	checkConservation(t, st)
}

func TestTransportPassHalfCell(t *testing.T) {
	g, d, tr := rowDomain(t, 10)
	c4 := g.ID(0, [3]int{4, 0, 0})
	c5 := g.ID(0, [3]int{5, 0, 0})
	setSample(t, d, c4, lane(2, 0, 0), 1)
	st := pass(t, tr, mesh.X, 0.5)
	if v4, v5 := sample(d, c4, lane(2, 0, 0)), sample(d, c5, lane(2, 0, 0)); v4 != 0.5 || v5 != 0.5 {
		t.Errorf("have %g and %g, want 0.5 and 0.5", v4, v5)
	}
	checkConservation(t, st)
}

func TestTransportPassOutflow(t *testing.T) {
	g, d, tr := rowDomain(t, 10)
	c0 := g.ID(0, [3]int{0, 0, 0})
	setSample(t, d, c0, lane(0, 0, 0), 2) // v = -3
	setSample(t, d, c0, lane(3, 1, 2), 1) // v = 3
	st := pass(t, tr, mesh.X, 0.25)
	if st.Outflow <= 0 {
		t.Errorf("outflow = %g", st.Outflow)
	}
	checkConservation(t, st)
	if v := sample(d, c0, lane(0, 0, 0)); v >= 2 || v < 0 {
		t.Errorf("cell 0 left with %g", v)
	}
}

func TestTransportPassConservation(t *testing.T) {
	for _, periodic := range []bool{false, true} {
		g := newGrid(t, 6, 4, 6, [3]bool{periodic, false, periodic})
		if err := g.RefineBox(mesh.Box{Min: [3]float64{2, 1, 2}, Max: [3]float64{3, 2, 3}}, 2); err != nil {
			t.Fatal(err)
		}
		h := exchange.NewHub(1)
		d := mesh.NewDomain(g, h.Node(0), 1)
		tr := newTranslator(t, d, h.Node(0))
		fill(t, d)
		for step := 0; step < 3; step++ {
			for _, dim := range mesh.Dims {
				st := pass(t, tr, dim, 0.05)
				checkConservation(t, st)
				if periodic && dim != mesh.Y && st.Outflow != 0 {
					t.Errorf("outflow %g along periodic %v", st.Outflow, dim)
				}
			}
		}
	}
}

func TestTransportPassZeroDt(t *testing.T) {
	g := refinedGrid(t)
	h := exchange.NewHub(1)
	d := mesh.NewDomain(g, h.Node(0), 1)
	tr := newTranslator(t, d, h.Node(0))
	fill(t, d)
	// A negative sample is carried through unchanged.
	setSample(t, d, g.ID(0, [3]int{3, 1, 1}), lane(1, 2, 3), -0.5)
	before := snapshot(d)
	for _, dim := range mesh.Dims {
		st := pass(t, tr, dim, 0)
		if st.Outflow != 0 || st.Negatives != 0 || st.MassBefore != st.MassAfter {
			t.Errorf("%v: %# v", dim, pretty.Formatter(st))
		}
	}
	if diff := pretty.Diff(snapshot(d), before); len(diff) > 0 {
		t.Errorf("data changed: %v", diff)
	}
}

func TestStepDeterministic(t *testing.T) {
	var results []map[mesh.CellID]mesh.Blocks
	for _, workers := range []int{1, 4} {
		g := refinedGrid(t)
		h := exchange.NewHub(1)
		d := mesh.NewDomain(g, h.Node(0), 1)
		tr := newTranslator(t, d, h.Node(0))
		tr.Workers = workers
		fill(t, d)
		for i := 0; i < 2; i++ {
			if _, err := tr.Step(context.Background(), 0.1); err != nil {
				t.Fatal(err)
			}
		}
		results = append(results, snapshot(d))
	}
	if diff := pretty.Diff(results[0], results[1]); len(diff) > 0 {
		t.Errorf("results depend on the number of workers: %v", diff)
	}
}

// parallel runs f for every rank concurrently.
func parallel(t *testing.T, ranks int, f func(r int) error) []error {
	var wg sync.WaitGroup
	errs := make([]error, ranks)
	for r := 0; r < ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = f(r)
		}(r)
	}
	wg.Wait()
	return errs
}

// rankedRow is a row of n unit cells along x split over ranks.
func rankedRow(t *testing.T, n, ranks int) (*mesh.Grid, []*mesh.Domain, []*Translator) {
	g := newGrid(t, n, 1, 1, [3]bool{})
	if err := g.PartitionMorton(ranks); err != nil {
		t.Fatal(err)
	}
	h := exchange.NewHub(ranks)
	ds := make([]*mesh.Domain, ranks)
	trs := make([]*Translator, ranks)
	for r := range ds {
		ds[r] = mesh.NewDomain(g.Clone(), h.Node(r), 1)
		trs[r] = newTranslator(t, ds[r], h.Node(r))
	}
	return g, ds, trs
}

func TestTransportPassRanks(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, ref, refTr := rowDomain(t, 8)
	fill(t, ref)
	refStats := pass(t, refTr, mesh.X, 0.25)

	g, ds, trs := rankedRow(t, 8, 2)
	for _, d := range ds {
		if len(d.LocalCells()) != 4 {
			t.Fatalf("rank %d has %d cells", d.Rank(), len(d.LocalCells()))
		}
		fill(t, d)
	}
	stats := make([]*PassStats, 2)
	errs := parallel(t, 2, func(r int) error {
		ps, err := trs[r].PencilSet(mesh.X)
		if err != nil {
			return err
		}
		stats[r], err = trs[r].TransportPass(context.Background(), ps, mesh.X, 0.25, 0)
		return err
	})
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	var before, after, outflow float64
	for r, st := range stats {
		before += st.MassBefore
		after += st.MassAfter
		outflow += st.Outflow
		if st.Sent == 0 || st.Received == 0 {
			t.Errorf("rank %d exchanged nothing: %# v", r, pretty.Formatter(st))
		}
	}
	if math.Abs(before-after-outflow) > 1e-12*before {
		t.Errorf("mass before %g, after %g, outflow %g", before, after, outflow)
	}
	if math.Abs(outflow-refStats.Outflow) > 1e-12*before {
		t.Errorf("outflow %g, single rank %g", outflow, refStats.Outflow)
	}
	for _, id := range g.Leaves() {
		r, _ := g.OwningRank(id)
		c, _ := ds[r].Cell(id)
		rc, _ := ref.Cell(id)
		for ln, want := range rc.Populations[0][0] {
			if have := c.Populations[0][0][ln]; math.Abs(have-want) > 1e-12 {
				t.Errorf("cell %d lane %d: have %g, want %g", id, ln, have, want)
			}
		}
	}
}

func TestTransportPassMonotone(t *testing.T) {
	const n = 12
	fib := make([]float64, n)
	fib[0], fib[1] = 1, 2
	for i := 2; i < n; i++ {
		fib[i] = fib[i-1] + fib[i-2]
	}
	ln := lane(2, 0, 0) // v = 1
	for _, ranks := range []int{1, 2} {
		for _, dt := range []float64{0.3, 0.7, 1.6} {
			g, ds, trs := rankedRow(t, n, ranks)
			owner := func(i int) (mesh.CellID, *mesh.Domain) {
				id := g.ID(0, [3]int{i, 0, 0})
				r, err := g.OwningRank(id)
				if err != nil {
					t.Fatal(err)
				}
				return id, ds[r]
			}
			for i, v := range fib {
				id, d := owner(i)
				setSample(t, d, id, ln, v)
			}
			errs := parallel(t, ranks, func(r int) error {
				ps, err := trs[r].PencilSet(mesh.X)
				if err != nil {
					return err
				}
				_, err = trs[r].TransportPass(context.Background(), ps, mesh.X, dt, 0)
				return err
			})
			for _, err := range errs {
				if err != nil {
					t.Fatal(err)
				}
			}
			out := make([]float64, n)
			for i := range out {
				id, d := owner(i)
				out[i] = sample(d, id, ln)
			}
			for i := 1; i < n; i++ {
				if out[i] < out[i-1] {
					t.Errorf("%d ranks, dt %g: not monotone at cell %d: %v", ranks, dt, i, out)
					break
				}
			}
			if out[0] < 0 {
				t.Errorf("%d ranks, dt %g: cell 0 is %g", ranks, dt, out[0])
			}
		}
	}
}

// runRanks fills a periodic 6x6x6 grid with a refined block in the
// middle, splits it over ranks and runs two steps. It returns the data of
// every cell and the total mass before and after.
func runRanks(t *testing.T, ranks int) (map[mesh.CellID]mesh.Blocks, float64, float64) {
	g := newGrid(t, 6, 6, 6, [3]bool{true, true, true})
	if err := g.RefineBox(mesh.Box{Min: [3]float64{2, 2, 2}, Max: [3]float64{4, 3, 4}}, 2); err != nil {
		t.Fatal(err)
	}
	if err := g.PartitionMorton(ranks); err != nil {
		t.Fatal(err)
	}
	h := exchange.NewHub(ranks)
	ds := make([]*mesh.Domain, ranks)
	trs := make([]*Translator, ranks)
	for r := range ds {
		ds[r] = mesh.NewDomain(g.Clone(), h.Node(r), 1)
		trs[r] = newTranslator(t, ds[r], h.Node(r))
		fill(t, ds[r])
	}
	mass := func() float64 {
		var m float64
		for _, tr := range trs {
			lm, err := LocalMass(tr.Mesh, 0, tr.Populations[0].Velocity)
			if err != nil {
				t.Fatal(err)
			}
			m += lm
		}
		return m
	}
	before := mass()
	errs := parallel(t, ranks, func(r int) error {
		for i := 0; i < 2; i++ {
			if _, err := trs[r].Step(context.Background(), 0.05); err != nil {
				return err
			}
		}
		return nil
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("%d ranks, rank %d: %v", ranks, r, err)
		}
	}
	o := make(map[mesh.CellID]mesh.Blocks)
	for _, d := range ds {
		for id, b := range snapshot(d) {
			o[id] = b
		}
	}
	return o, before, mass()
}

func TestStepRanksRefined(t *testing.T) {
	defer goleak.VerifyNone(t)

	want, refBefore, refAfter := runRanks(t, 1)
	if math.Abs(refAfter-refBefore) > 1e-12*refBefore {
		t.Errorf("1 rank: mass before %g, after %g", refBefore, refAfter)
	}
	for _, ranks := range []int{2, 3, 5} {
		have, before, after := runRanks(t, ranks)
		if math.Abs(before-refBefore) > 1e-12*refBefore || math.Abs(after-before) > 1e-12*before {
			t.Errorf("%d ranks: mass before %g, after %g; 1 rank: %g", ranks, before, after, refBefore)
		}
		if len(have) != len(want) {
			t.Errorf("%d ranks: have %d cells, want %d", ranks, len(have), len(want))
		}
		for id, wb := range want {
			for b, blk := range wb {
				for ln, v := range blk {
					if d := math.Abs(have[id][b][ln] - v); d > 1e-12 {
						t.Errorf("%d ranks: cell %d block %d lane %d: have %g, want %g", ranks, id, b, ln, have[id][b][ln], v)
					}
				}
			}
		}
	}
}

func TestTransportPassCFL(t *testing.T) {
	g, d, tr := rowDomain(t, 10)
	setSample(t, d, g.ID(0, [3]int{4, 0, 0}), lane(1, 0, 0), 1)
	before := snapshot(d)
	ps, err := tr.PencilSet(mesh.X)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.TransportPass(context.Background(), ps, mesh.X, 2, 0)
	if !IsKind(err, CflViolation) {
		t.Fatalf("have error %v, want %v", err, CflViolation)
	}
	if e := err.(*Error); e.Dimension != int(mesh.X) || e.Population != 0 || e.Pencil != 0 {
		t.Errorf("error context: %# v", pretty.Formatter(e))
	}
	if diff := pretty.Diff(snapshot(d), before); len(diff) > 0 {
		t.Errorf("data changed: %v", diff)
	}
}

func TestTransportPassAbort(t *testing.T) {
	defer goleak.VerifyNone(t)

	g, ds, trs := rankedRow(t, 8, 2)
	// Only rank 1 holds data, and it moves too far.
	setSample(t, ds[1], g.ID(0, [3]int{5, 0, 0}), lane(3, 0, 0), 1)
	before := []map[mesh.CellID]mesh.Blocks{snapshot(ds[0]), snapshot(ds[1])}
	errs := parallel(t, 2, func(r int) error {
		ps, err := trs[r].PencilSet(mesh.X)
		if err != nil {
			return err
		}
		_, err = trs[r].TransportPass(context.Background(), ps, mesh.X, 1, 0)
		return err
	})
	if !IsKind(errs[0], TransferMismatch) {
		t.Errorf("rank 0: have error %v, want %v", errs[0], TransferMismatch)
	}
	if !IsKind(errs[1], CflViolation) {
		t.Errorf("rank 1: have error %v, want %v", errs[1], CflViolation)
	}
	for r, d := range ds {
		if diff := pretty.Diff(snapshot(d), before[r]); len(diff) > 0 {
			t.Errorf("rank %d data changed: %v", r, diff)
		}
	}
}

func TestTransportPassPeerFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := newGrid(t, 8, 1, 1, [3]bool{})
	if err := g.PartitionMorton(2); err != nil {
		t.Fatal(err)
	}
	for _, test := range []struct {
		name string
		// pops is the number of populations rank 1 stores.
		pops int
		// dim is the axis of the pencil set rank 1 passes.
		dim mesh.Dim
	}{
		{name: "wrong axis", pops: 1, dim: mesh.Y},
		{name: "ghost update", pops: 0, dim: mesh.X},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := exchange.NewHub(2)
			ds := []*mesh.Domain{
				mesh.NewDomain(g.Clone(), h.Node(0), 1),
				mesh.NewDomain(g.Clone(), h.Node(1), test.pops),
			}
			trs := []*Translator{newTranslator(t, ds[0], h.Node(0)), newTranslator(t, ds[1], h.Node(1))}
			fill(t, ds[0])
			before := snapshot(ds[0])
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errs := parallel(t, 2, func(r int) error {
				dim := mesh.X
				if r == 1 {
					dim = test.dim
				}
				ps, err := trs[r].PencilSet(dim)
				if err != nil {
					return err
				}
				_, err = trs[r].TransportPass(ctx, ps, mesh.X, 0.25, 0)
				return err
			})
			if !IsKind(errs[0], TransferMismatch) {
				t.Errorf("rank 0: have error %v, want %v", errs[0], TransferMismatch)
			}
			if errs[1] == nil || IsKind(errs[1], TransferMismatch) {
				t.Errorf("rank 1: have error %v", errs[1])
			}
			if diff := pretty.Diff(snapshot(ds[0]), before); len(diff) > 0 {
				t.Errorf("rank 0 data changed: %v", diff)
			}
		})
	}
}

func TestTransportPassStale(t *testing.T) {
	_, d, tr := rowDomain(t, 6)
	ps, err := tr.PencilSet(mesh.X)
	if err != nil {
		t.Fatal(err)
	}
	ps2, err := tr.PencilSet(mesh.X)
	if err != nil {
		t.Fatal(err)
	}
	if ps != ps2 {
		t.Error("pencil set was rebuilt for an unchanged mesh")
	}
	if _, err := tr.TransportPass(context.Background(), ps, mesh.Y, 0.1, 0); err == nil {
		t.Error("pass along the wrong axis was not rejected")
	}
	if _, err := tr.TransportPass(context.Background(), ps, mesh.X, 0.1, 1); err == nil {
		t.Error("invalid population was not rejected")
	}
	if err := d.Repartition(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.TransportPass(context.Background(), ps, mesh.X, 0.1, 0); err == nil {
		t.Error("stale pencil set was not rejected")
	}
	ps3, err := tr.PencilSet(mesh.X)
	if err != nil {
		t.Fatal(err)
	}
	if ps3 == ps || ps3.Generation != d.Generation() {
		t.Error("pencil set was not rebuilt after repartitioning")
	}
}

func TestNewTranslator(t *testing.T) {
	g := newGrid(t, 2, 1, 1, [3]bool{})
	h := exchange.NewHub(2)
	d := mesh.NewDomain(g, h.Node(0), 1)
	if _, err := NewTranslator(d, h.Node(1), []Population{testPopulation()}); err == nil {
		t.Error("rank mismatch was not rejected")
	}
	bad := testPopulation()
	bad.Velocity.Blocks[1] = 0
	if _, err := NewTranslator(d, h.Node(0), []Population{bad}); err == nil {
		t.Error("invalid velocity mesh was not rejected")
	}
}
