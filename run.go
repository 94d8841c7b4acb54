/*
Copyright © 2013 the InMAP authors.
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
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/vtrans/mesh"
)

// Translate returns a function that advances the simulation by one
// time step.
func Translate() DomainManipulator {
	return func(ctx context.Context, s *Simulation) error {
		st, err := s.Step(ctx, s.Dt)
		if err != nil {
			return fmt.Errorf("vtrans: step %d: %w", s.Steps+1, err)
		}
		s.LastStep = st
		s.Steps++
		s.Time += s.Dt
		return nil
	}
}

// StepLimit returns a function that ends the simulation after n steps.
func StepLimit(n int) DomainManipulator {
	return func(_ context.Context, s *Simulation) error {
		if s.Steps >= n {
			s.Done = true
		}
		return nil
	}
}

// RunPeriodically returns a function that runs f every interval steps.
func RunPeriodically(interval int, f DomainManipulator) DomainManipulator {
	return func(ctx context.Context, s *Simulation) error {
		if interval > 0 && s.Steps > 0 && s.Steps%interval == 0 {
			return f(ctx, s)
		}
		return nil
	}
}

// Repartitioner is a mesh whose cells can be redistributed across ranks.
type Repartitioner interface {
	Repartition(ctx context.Context) error
}

// Repartition returns a function that redistributes the cells of the
// mesh across ranks. Pencil sets are rebuilt on the next step.
func Repartition() DomainManipulator {
	return func(ctx context.Context, s *Simulation) error {
		r, ok := s.Mesh.(Repartitioner)
		if !ok {
			return fmt.Errorf("vtrans: mesh of type %T cannot be repartitioned", s.Mesh)
		}
		before := len(s.Mesh.LocalCells())
		if err := r.Repartition(ctx); err != nil {
			return fmt.Errorf("vtrans: repartitioning: %w", err)
		}
		s.Log.WithFields(logrus.Fields{
			"rank":       s.Mesh.Rank(),
			"before":     before,
			"after":      len(s.Mesh.LocalCells()),
			"generation": s.Mesh.Generation(),
		}).Info("repartitioned")
		return nil
	}
}

// MassCheck returns a function that logs the mass held by this rank
// after each step. When the mesh is held by a single rank it also
// returns an error if, in any pass, the change in mass differs from the
// mass that left the domain by more than tolerance as a fraction of the
// mass before the pass.
func MassCheck(tolerance float64) DomainManipulator {
	return func(_ context.Context, s *Simulation) error {
		if s.LastStep == nil || len(s.LastStep.Passes) == 0 {
			return nil
		}
		single := s.Exchanger.Size() == 1
		for _, p := range s.LastStep.Passes {
			if !single {
				continue
			}
			bias := math.Abs(p.MassAfter+p.Outflow-p.MassBefore) / p.MassBefore
			if p.MassBefore > 0 && bias > tolerance {
				return fmt.Errorf("vtrans: population %d along %v: mass changed by %.3g%% more than outflow",
					p.Population, p.Dimension, bias*100)
			}
		}
		for pop, pp := range s.Populations {
			var mass float64
			for i := len(s.LastStep.Passes) - 1; i >= 0; i-- {
				if p := s.LastStep.Passes[i]; p.Population == pop {
					mass = p.MassAfter
					break
				}
			}
			s.Log.WithFields(logrus.Fields{
				"rank":       s.Mesh.Rank(),
				"population": pp.Name,
				"step":       s.Steps,
			}).Infof("mass = %.6g", mass)
		}
		return nil
	}
}

// Log writes simulation status messages to w.
func Log(w io.Writer) DomainManipulator {
	startTime := time.Now()
	stepTime := time.Now()

	return func(_ context.Context, s *Simulation) error {
		var outflow float64
		var negatives int
		if s.LastStep != nil {
			outflow = s.LastStep.Outflow()
			negatives = s.LastStep.Negatives()
		}
		fmt.Fprintf(w, "Rank %-3d step %-5d walltime=%6.3gh  Δwalltime=%4.2gs  "+
			"timestep=%.3gs  time=%.4gs  outflow=%.4g  clamped=%d\n",
			s.Mesh.Rank(), s.Steps, time.Since(startTime).Hours(),
			time.Since(stepTime).Seconds(), s.Dt, s.Time, outflow, negatives)
		stepTime = time.Now()
		return nil
	}
}

// DensityFunc returns the phase-space density of population pop at
// position x and velocity v.
type DensityFunc func(pop int, x, v [3]float64) float64

// SetDensity returns a function that concurrently fills the local cells
// with f, evaluated at cell centers and sample velocities. Velocity
// blocks whose samples are all below threshold are not stored.
func SetDensity(f DensityFunc, threshold float64) DomainManipulator {
	nprocs := runtime.GOMAXPROCS(0)

	return func(_ context.Context, s *Simulation) error {
		cells := s.Mesh.LocalCells()
		errs := make([]error, nprocs)
		var wg sync.WaitGroup
		wg.Add(nprocs)
		for pp := 0; pp < nprocs; pp++ {
			go func(pp int) {
				defer wg.Done()
				for ii := pp; ii < len(cells); ii += nprocs {
					if err := s.fillCell(cells[ii], f, threshold); err != nil {
						errs[pp] = err
						return
					}
				}
			}(pp)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *Simulation) fillCell(id mesh.CellID, f DensityFunc, threshold float64) error {
	c, ok := s.Mesh.Cell(id)
	if !ok {
		return fmt.Errorf("vtrans: no storage for local cell %d", id)
	}
	b, err := s.Mesh.Bounds(id)
	if err != nil {
		return err
	}
	var x [3]float64
	for d := range x {
		x[d] = (b.Min[d] + b.Max[d]) / 2
	}
	for pop, p := range s.Populations {
		blocks := make(mesh.Blocks)
		for bid := mesh.BlockID(0); int(bid) < p.Velocity.Len(); bid++ {
			var blk mesh.Block
			keep := false
			for lane := range blk {
				blk[lane] = f(pop, x, p.Velocity.Position(bid, lane))
				if blk[lane] >= threshold {
					keep = true
				}
			}
			if keep {
				blocks[bid] = blk
			}
		}
		c.Populations[pop] = blocks
	}
	return nil
}
