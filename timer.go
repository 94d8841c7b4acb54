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
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Timers accumulates wall-clock time by name.
type Timers struct {
	mu    sync.Mutex
	total map[string]time.Duration
	count map[string]int
}

// NewTimers returns an empty set of timers.
func NewTimers() *Timers {
	return &Timers{total: make(map[string]time.Duration), count: make(map[string]int)}
}

// Start starts timer name and returns a function that stops it.
//
//	defer t.Start("remap")()
func (t *Timers) Start(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		t.mu.Lock()
		t.total[name] += d
		t.count[name]++
		t.mu.Unlock()
	}
}

// Total returns the accumulated time of timer name and the number of
// times it was stopped.
func (t *Timers) Total(name string) (time.Duration, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total[name], t.count[name]
}

// Names returns the names of all timers in alphabetical order.
func (t *Timers) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := make([]string, 0, len(t.total))
	for n := range t.total {
		o = append(o, n)
	}
	sort.Strings(o)
	return o
}

// Fprint writes a summary of all timers to w.
func (t *Timers) Fprint(w io.Writer) error {
	for _, n := range t.Names() {
		d, c := t.Total(n)
		var avg time.Duration
		if c > 0 {
			avg = d / time.Duration(c)
		}
		if _, err := fmt.Fprintf(w, "%-10s total=%-12v calls=%-6d mean=%v\n", n, d, c, avg); err != nil {
			return err
		}
	}
	return nil
}
