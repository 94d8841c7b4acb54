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

package advect

import "math"

// Remapped holds the result of shifting a row of cells.
// Masses are expressed in units of (density × cell width).
type Remapped struct {
	// Values are the new averages of the row cells, counting only
	// mass that originated inside the row.
	Values []float64

	// Below[m] is the mass that landed m+1 cells before the first
	// cell of the row.
	Below []float64

	// Above[m] is the mass that landed m cells after the last cell
	// of the row.
	Above []float64
}

// Mass returns the total mass held by r.
func (r *Remapped) Mass() float64 {
	var m float64
	for _, v := range r.Values {
		m += v
	}
	for _, v := range r.Below {
		m += v
	}
	for _, v := range r.Above {
		m += v
	}
	return m
}

// Shift translates the profiles p by s cell widths and returns where
// their mass lands. Each cell's mass is split over the target cells
// it overlaps using the exact integral of its profile; the last piece
// of every cell takes the remainder so the mass of each cell is
// partitioned exactly.
func Shift(p []Parabola, s float64) *Remapped {
	n := len(p)
	r := &Remapped{Values: make([]float64, n)}
	for i, pi := range p {
		lo := float64(i) + s
		first := int(math.Floor(lo))
		last := int(math.Ceil(lo+1)) - 1
		if last < first {
			last = first
		}
		var used, prev float64
		for k := first; k <= last; k++ {
			var piece float64
			if k == last {
				piece = pi.Mean - used
			} else {
				x := math.Min(float64(k+1)-lo, 1)
				cum := pi.Integral(x)
				piece = cum - prev
				prev = cum
				used += piece
			}
			r.add(k, piece)
		}
	}
	return r
}

func (r *Remapped) add(k int, m float64) {
	n := len(r.Values)
	switch {
	case k < 0:
		j := -k - 1
		for len(r.Below) <= j {
			r.Below = append(r.Below, 0)
		}
		r.Below[j] += m
	case k >= n:
		j := k - n
		for len(r.Above) <= j {
			r.Above = append(r.Above, 0)
		}
		r.Above[j] += m
	default:
		r.Values[k] += m
	}
}
