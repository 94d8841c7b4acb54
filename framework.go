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
)

// Simulation holds the state of a translation run on one rank.
type Simulation struct {
	*Translator

	Dt float64 // time step [s]

	// Steps is the number of completed steps and Time the simulated
	// time [s].
	Steps int
	Time  float64

	// LastStep holds the statistics of the most recent step.
	LastStep *StepStats

	// InitFuncs are run once by Init.
	InitFuncs []DomainManipulator

	// RunFuncs are run in order, repeatedly, by Run until Done is true.
	RunFuncs []DomainManipulator

	// Done is set by a RunFunc to end the run.
	Done bool
}

// DomainManipulator is a function that operates on the whole simulation.
type DomainManipulator func(ctx context.Context, s *Simulation) error

// Init runs the InitFuncs.
func (s *Simulation) Init(ctx context.Context) error {
	if s.Translator == nil {
		return fmt.Errorf("vtrans.Simulation.Init: no Translator")
	}
	for _, f := range s.InitFuncs {
		if err := f(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Run runs the RunFuncs until one of them sets Done.
func (s *Simulation) Run(ctx context.Context) error {
	if len(s.RunFuncs) == 0 {
		return fmt.Errorf("vtrans.Simulation.Run: no RunFuncs")
	}
	for !s.Done {
		for _, f := range s.RunFuncs {
			if err := f(ctx, s); err != nil {
				return err
			}
		}
	}
	return nil
}
