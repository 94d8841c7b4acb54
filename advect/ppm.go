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

// Package advect holds one-dimensional conservative remapping kernels
// used to translate cell-averaged densities along a row of equally sized cells.
package advect

import "math"

// StencilWidth is the number of ghost values required on each side of
// a row of cells by Reconstruct.
const StencilWidth = 2

// Parabola is the piecewise parabolic profile of a single cell in the
// normalized coordinate x ∈ [0,1]. L and R are the edge values and
// Mean is the cell average.
type Parabola struct {
	L, R, Mean float64
}

func (p Parabola) a6() float64 { return 6 * (p.Mean - 0.5*(p.L+p.R)) }

// Value returns the profile at normalized position x.
func (p Parabola) Value(x float64) float64 {
	return p.L + x*(p.R-p.L+p.a6()*(1-x))
}

// Integral returns the integral of the profile over [0, x].
// Integral(1) equals Mean.
func (p Parabola) Integral(x float64) float64 {
	a6 := p.a6()
	return p.L*x + (p.R-p.L+a6)*x*x/2 - a6*x*x*x/3
}

// Reconstruct computes limited parabolic profiles for the cells
// values[StencilWidth : len(values)-StencilWidth]. The outer values
// are ghosts and are only read. The edge values are fourth-order
// interpolants clamped to the range of the adjacent means, and the
// Colella-Woodward limiter is then applied so that no profile
// exceeds the range of its neighbors.
func Reconstruct(values []float64) []Parabola {
	n := len(values) - 2*StencilWidth
	if n <= 0 {
		return nil
	}
	// edges[j] is the value at the lower edge of cell j+StencilWidth.
	edges := make([]float64, n+1)
	for j := range edges {
		c := j + StencilWidth
		e := 7./12.*(values[c-1]+values[c]) - 1./12.*(values[c-2]+values[c+1])
		lo, hi := math.Min(values[c-1], values[c]), math.Max(values[c-1], values[c])
		edges[j] = math.Max(lo, math.Min(hi, e))
	}
	o := make([]Parabola, n)
	for i := range o {
		o[i] = limit(Parabola{L: edges[i], R: edges[i+1], Mean: values[i+StencilWidth]})
	}
	return o
}

func limit(p Parabola) Parabola {
	a := p.Mean
	if (p.R-a)*(a-p.L) <= 0 {
		// Local extremum.
		return Parabola{L: a, R: a, Mean: a}
	}
	d := p.R - p.L
	a6 := p.a6()
	switch {
	case d*a6 > d*d:
		p.L = 3*a - 2*p.R
	case -d*d > d*a6:
		p.R = 3*a - 2*p.L
	}
	return p
}
