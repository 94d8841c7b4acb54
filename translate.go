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

// Package vtrans translates phase-space distributions through a
// distributed, adaptively refined spatial mesh. Each step is split into
// one pass per axis and population. A pass decomposes the cells of a rank
// into pencils of equally refined cells along the axis, remaps every
// pencil with a conservative one-dimensional scheme, and exchanges the
// mass that crossed into other pencils or ranks.
package vtrans

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/golang/groupcache/lru"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/vtrans/exchange"
	"github.com/spatialmodel/vtrans/mesh"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// PassStats summarizes one translation pass on one rank.
type PassStats struct {
	Dimension  mesh.Dim
	Population int
	Pencils    int

	// Negatives is the number of density samples that were clamped
	// to zero.
	Negatives int

	// Outflow is the mass that left the domain.
	Outflow float64

	// Sent and Received count contributions exchanged with other
	// ranks; Local counts those applied on this rank.
	Sent, Received, Local int

	// MassBefore and MassAfter are the mass held by this rank.
	MassBefore, MassAfter float64
}

// Translator runs translation passes for one rank.
type Translator struct {
	Mesh        mesh.Mesh
	Exchanger   exchange.Exchanger
	Populations []Population

	// Workers is the maximum number of pencils remapped at once.
	Workers int

	Log    logrus.FieldLogger
	Timers *Timers

	pencilCache *lru.Cache
	pass        uint64
}

type pencilKey struct {
	generation uint64
	dim        mesh.Dim
}

// NewTranslator creates a Translator for the rank of ex.
func NewTranslator(m mesh.Mesh, ex exchange.Exchanger, pops []Population) (*Translator, error) {
	if m.Rank() != ex.Rank() {
		return nil, fmt.Errorf("vtrans.NewTranslator: mesh rank %d does not match exchanger rank %d", m.Rank(), ex.Rank())
	}
	for i, p := range pops {
		if err := p.Velocity.Check(); err != nil {
			return nil, fmt.Errorf("vtrans.NewTranslator: population %d (%s): %v", i, p.Name, err)
		}
	}
	return &Translator{
		Mesh:        m,
		Exchanger:   ex,
		Populations: pops,
		Workers:     runtime.GOMAXPROCS(0),
		Log:         logrus.StandardLogger(),
		Timers:      NewTimers(),
		pencilCache: lru.New(2 * len(mesh.Dims)),
	}, nil
}

// BuildPencilSet decomposes localCells into pencils along dim.
func (t *Translator) BuildPencilSet(dim mesh.Dim, localCells []mesh.CellID) (*PencilSet, error) {
	defer t.Timers.Start("build")()
	ps, err := BuildPencils(t.Mesh, localCells, dim)
	if err != nil {
		return nil, err
	}
	t.Log.WithFields(logrus.Fields{
		"rank":       t.Mesh.Rank(),
		"dimension":  dim,
		"pencils":    ps.Len(),
		"cells":      ps.NumCells(),
		"generation": ps.Generation,
	}).Debug("built pencil set")
	return ps, nil
}

// PencilSet returns the pencils of all local cells along dim, reusing
// the previous decomposition until the mesh generation changes.
func (t *Translator) PencilSet(dim mesh.Dim) (*PencilSet, error) {
	k := pencilKey{generation: t.Mesh.Generation(), dim: dim}
	if v, ok := t.pencilCache.Get(k); ok {
		return v.(*PencilSet), nil
	}
	ps, err := t.BuildPencilSet(dim, t.Mesh.LocalCells())
	if err != nil {
		return nil, err
	}
	t.pencilCache.Add(k, ps)
	return ps, nil
}

// LocalMass returns the mass of population pop held by the local cells of m.
func LocalMass(m mesh.Mesh, pop int, vm VelocityMesh) (float64, error) {
	sums := make([]float64, 0, len(m.LocalCells()))
	for _, id := range m.LocalCells() {
		c, ok := m.Cell(id)
		if !ok {
			return 0, fmt.Errorf("vtrans: no storage for local cell %d", id)
		}
		b, err := m.Bounds(id)
		if err != nil {
			return 0, err
		}
		sums = append(sums, c.Populations[pop].Sum()*b.Volume())
	}
	return floats.Sum(sums) * vm.SampleVolume(), nil
}

// TransportPass translates population pop along dim by time step dt.
// The results of all pencils, including contributions from other ranks,
// are applied only after every rank has finished remapping; if any rank
// fails, no rank changes its data. A rank that fails still takes part in
// every exchange of the pass so that the other ranks do not wait for it.
func (t *Translator) TransportPass(ctx context.Context, ps *PencilSet, dim mesh.Dim, dt float64, pop int) (*PassStats, error) {
	var failure error
	switch {
	case ps.Dimension != dim:
		failure = fmt.Errorf("vtrans.TransportPass: pencil set is along %v, not %v", ps.Dimension, dim)
	case ps.Generation != t.Mesh.Generation():
		failure = fmt.Errorf("vtrans.TransportPass: pencil set is from mesh generation %d, mesh is at %d",
			ps.Generation, t.Mesh.Generation())
	case pop < 0 || pop >= len(t.Populations):
		failure = fmt.Errorf("vtrans.TransportPass: invalid population %d", pop)
	}
	stats := &PassStats{Dimension: dim, Population: pop, Pencils: ps.Len()}
	tag := exchange.Tag{Kind: exchange.Contribution, Dimension: int(dim), Population: pop, Seq: t.pass}
	t.pass++

	stop := t.Timers.Start("ghosts")
	err := t.Mesh.UpdateGhosts(ctx, pop, dim)
	stop()
	if err != nil && failure == nil {
		if errors.Is(err, mesh.ErrPeerAborted) {
			failure = mismatch(dim, pop, "updating ghost cells: %v", err)
		} else {
			failure = fmt.Errorf("vtrans.TransportPass: updating ghost cells: %v", err)
		}
	}
	var vm VelocityMesh
	if failure == nil {
		vm = t.Populations[pop].Velocity
		stats.MassBefore, failure = LocalMass(t.Mesh, pop, vm)
	}

	results := make([]*pencilResult, ps.Len())
	if failure == nil {
		stop = t.Timers.Start("remap")
		r := &remapper{m: t.Mesh, dim: dim, pop: pop, vm: vm, dt: dt, rank: t.Mesh.Rank()}
		g, gctx := errgroup.WithContext(ctx)
		workers := t.Workers
		if workers < 1 {
			workers = 1
		}
		g.SetLimit(workers)
		for i := 0; i < ps.Len(); i++ {
			i := i
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				res, err := r.remap(ps.Pencil(i))
				results[i] = res
				return err
			})
		}
		failure = g.Wait()
		stop()
	}
	if failure == nil && ctx.Err() != nil {
		failure = ctx.Err()
	}
	if failure != nil {
		failure = withPass(failure, dim, pop)
	}

	var recs []RemoteContribution
	if failure == nil {
		for _, res := range results {
			stats.Outflow += res.outflow
			recs = append(recs, res.contributions...)
		}
	}
	stop = t.Timers.Start("exchange")
	mine, sent, err := exchangeContributions(ctx, t.Exchanger, tag, dim, pop, recs, failure)
	stop()
	if err != nil {
		return nil, err
	}
	stats.Sent = sent
	for _, rec := range mine {
		if rec.Source.Rank == t.Mesh.Rank() {
			stats.Local++
		} else {
			stats.Received++
		}
	}

	defer t.Timers.Start("commit")()
	for i, res := range results {
		for j, id := range ps.Pencil(i).Cells {
			c, _ := t.Mesh.Cell(id)
			c.Populations[pop] = res.values[j]
		}
	}
	if err := applyContributions(t.Mesh, dim, pop, mine); err != nil {
		return nil, err
	}
	if dt != 0 {
		stats.Negatives = clampNegative(t.Mesh, pop)
	}
	if stats.Negatives > 0 {
		t.Log.WithFields(logrus.Fields{
			"rank":       t.Mesh.Rank(),
			"dimension":  dim,
			"population": pop,
			"samples":    stats.Negatives,
		}).Debugf("%v: clamped to zero", NegativeDensity)
	}
	if stats.MassAfter, err = LocalMass(t.Mesh, pop, vm); err != nil {
		return nil, err
	}
	return stats, nil
}

// clampNegative sets negative samples in the local cells to zero and
// returns how many there were. A zero time step leaves every sample in
// place, so it is not called for one.
func clampNegative(m mesh.Mesh, pop int) int {
	n := 0
	for _, id := range m.LocalCells() {
		c, _ := m.Cell(id)
		for b, blk := range c.Populations[pop] {
			changed := false
			for lane, v := range blk {
				if v < 0 {
					blk[lane] = 0
					changed = true
					n++
				}
			}
			if changed {
				c.Populations[pop][b] = blk
			}
		}
	}
	return n
}

// StepStats summarizes one translation step on one rank.
type StepStats struct {
	Passes []*PassStats
}

// Outflow returns the total mass that left the domain during the step.
func (s *StepStats) Outflow() float64 {
	var o float64
	for _, p := range s.Passes {
		o += p.Outflow
	}
	return o
}

// Negatives returns the total number of samples clamped during the step.
func (s *StepStats) Negatives() int {
	n := 0
	for _, p := range s.Passes {
		n += p.Negatives
	}
	return n
}

// Step translates every population along x, y and z in turn.
func (t *Translator) Step(ctx context.Context, dt float64) (*StepStats, error) {
	s := new(StepStats)
	for _, dim := range mesh.Dims {
		ps, err := t.PencilSet(dim)
		if err != nil {
			return nil, err
		}
		for pop := range t.Populations {
			p, err := t.TransportPass(ctx, ps, dim, dt, pop)
			if err != nil {
				return nil, err
			}
			t.Log.WithFields(logrus.Fields{
				"rank":       t.Mesh.Rank(),
				"dimension":  dim,
				"population": t.Populations[pop].Name,
				"pencils":    p.Pencils,
				"sent":       p.Sent,
				"received":   p.Received,
				"outflow":    p.Outflow,
			}).Debug("translated")
			s.Passes = append(s.Passes, p)
		}
	}
	return s, nil
}
