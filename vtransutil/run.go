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
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/vtrans"
	"github.com/spatialmodel/vtrans/exchange"
	"github.com/spatialmodel/vtrans/mesh"
	"golang.org/x/sync/errgroup"
)

// RunConfig holds the settings of a simulation run.
type RunConfig struct {
	Grid        mesh.GridConfig
	Refine      []Refinement
	Populations []vtrans.Population

	Ranks   int
	Workers int // zero means one per processor

	// Peers holds the RPC addresses of all ranks, indexed by rank. If it
	// is not empty, this process runs only rank Rank and exchanges data
	// with the other ranks over the network, and Ranks is ignored.
	Peers []string
	Rank  int

	Dt                  float64 // [s]
	Steps               int
	RepartitionInterval int // steps; zero disables repartitioning

	// The initial density is a Gaussian in position around the center
	// of the domain with standard deviation BlobWidth and in velocity
	// around zero with standard deviation BlobThermal. Velocity blocks
	// where it is below Threshold are not stored.
	BlobWidth, BlobThermal, Threshold float64
}

// syncWriter serializes writes from several ranks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// blob returns the initial density of c.
func (c RunConfig) blob() vtrans.DensityFunc {
	var center [3]float64
	for d := range center {
		center[d] = c.Grid.Origin[d] + float64(c.Grid.Cells[d])*c.Grid.CellSize[d]/2
	}
	sx2 := 2 * c.BlobWidth * c.BlobWidth
	sv2 := 2 * c.BlobThermal * c.BlobThermal
	return func(_ int, x, v [3]float64) float64 {
		var rx, rv float64
		for d := range x {
			rx += (x[d] - center[d]) * (x[d] - center[d])
			rv += v[d] * v[d]
		}
		return math.Exp(-rx/sx2 - rv/sv2)
	}
}

func (c RunConfig) check() error {
	if c.Ranks < 1 {
		return fmt.Errorf("vtrans: invalid number of ranks %d", c.Ranks)
	}
	if c.Steps < 1 {
		return fmt.Errorf("vtrans: invalid number of steps %d", c.Steps)
	}
	if c.BlobWidth <= 0 || c.BlobThermal <= 0 {
		return fmt.Errorf("vtrans: invalid blob width %g or thermal width %g", c.BlobWidth, c.BlobThermal)
	}
	return nil
}

// simulation sets up the rank of ex on its replica of grid.
func (c RunConfig) simulation(grid *mesh.Grid, ex exchange.Exchanger, out io.Writer) (*vtrans.Simulation, error) {
	r := ex.Rank()
	d := mesh.NewDomain(grid, ex, len(c.Populations))
	tr, err := vtrans.NewTranslator(d, ex, c.Populations)
	if err != nil {
		return nil, err
	}
	if c.Workers > 0 {
		tr.Workers = c.Workers
	}
	tr.Log = logrus.WithField("rank", r)
	runFuncs := []vtrans.DomainManipulator{
		vtrans.Translate(),
		vtrans.MassCheck(1e-8),
		vtrans.Log(out),
	}
	if c.RepartitionInterval > 0 {
		runFuncs = append(runFuncs, vtrans.RunPeriodically(c.RepartitionInterval, vtrans.Repartition()))
	}
	runFuncs = append(runFuncs, vtrans.StepLimit(c.Steps))
	return &vtrans.Simulation{
		Translator: tr,
		Dt:         c.Dt,
		InitFuncs:  []vtrans.DomainManipulator{vtrans.SetDensity(c.blob(), c.Threshold)},
		RunFuncs:   runFuncs,
	}, nil
}

// Run builds the configured mesh, splits it over ranks, and translates
// the initial density for c.Steps steps. Unless c.Peers is set, all
// ranks run in this process. Status messages and a timing summary are
// written to w.
func Run(ctx context.Context, w io.Writer, c RunConfig) error {
	if len(c.Peers) == 0 {
		return runLocal(ctx, w, c)
	}
	c.Ranks = len(c.Peers)
	if c.Rank < 0 || c.Rank >= c.Ranks {
		return fmt.Errorf("vtrans: invalid rank %d of %d", c.Rank, c.Ranks)
	}
	if err := c.check(); err != nil {
		return err
	}
	n, err := exchange.ListenRPC(c.Rank, c.Ranks, c.Peers[c.Rank])
	if err != nil {
		return err
	}
	defer n.Close()
	if err := n.SetPeers(c.Peers); err != nil {
		return err
	}
	return RunRank(ctx, w, c, n)
}

// RunRank runs rank ex.Rank() of c, exchanging data with the other ranks
// through ex. The other ranks must run RunRank with the same
// configuration at the same time.
func RunRank(ctx context.Context, w io.Writer, c RunConfig, ex exchange.Exchanger) error {
	c.Ranks = ex.Size()
	if err := c.check(); err != nil {
		return err
	}
	grid, err := buildGrid(c.Grid, c.Refine, c.Ranks)
	if err != nil {
		return err
	}
	log := logrus.WithField("rank", ex.Rank())
	log.WithFields(logrus.Fields{
		"cells": grid.Len(),
		"ranks": c.Ranks,
		"local": len(grid.RankCells(ex.Rank())),
	}).Info("built mesh")
	s, err := c.simulation(grid, ex, w)
	if err != nil {
		return err
	}
	if err := s.Init(ctx); err != nil {
		return err
	}
	if err := s.Run(ctx); err != nil {
		return err
	}
	for p, pop := range c.Populations {
		m, err := vtrans.LocalMass(s.Mesh, p, pop.Velocity)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"population": pop.Name,
			"mass":       m,
		}).Info("local mass")
	}
	return s.Timers.Fprint(w)
}

// runLocal runs all ranks of c in this process.
func runLocal(ctx context.Context, w io.Writer, c RunConfig) error {
	if err := c.check(); err != nil {
		return err
	}
	grid, err := buildGrid(c.Grid, c.Refine, c.Ranks)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"cells": grid.Len(),
		"ranks": c.Ranks,
	}).Info("built mesh")

	hub := exchange.NewHub(c.Ranks)
	out := &syncWriter{w: w}
	sims := make([]*vtrans.Simulation, c.Ranks)
	for r := range sims {
		if sims[r], err = c.simulation(grid.Clone(), hub.Node(r), out); err != nil {
			return err
		}
	}

	mass := func() ([]float64, error) {
		o := make([]float64, len(c.Populations))
		for _, s := range sims {
			for p, pop := range c.Populations {
				m, err := vtrans.LocalMass(s.Mesh, p, pop.Velocity)
				if err != nil {
					return nil, err
				}
				o[p] += m
			}
		}
		return o, nil
	}

	eg, initCtx := errgroup.WithContext(ctx)
	for _, s := range sims {
		s := s
		eg.Go(func() error { return s.Init(initCtx) })
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	before, err := mass()
	if err != nil {
		return err
	}

	eg, runCtx := errgroup.WithContext(ctx)
	for _, s := range sims {
		s := s
		eg.Go(func() error { return s.Run(runCtx) })
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	after, err := mass()
	if err != nil {
		return err
	}
	for p, pop := range c.Populations {
		logrus.WithFields(logrus.Fields{
			"population": pop.Name,
			"before":     before[p],
			"after":      after[p],
		}).Info("total mass")
	}
	return sims[0].Timers.Fprint(w)
}
