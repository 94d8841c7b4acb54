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

package mesh

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"

	"github.com/spatialmodel/vtrans/exchange"
)

// GhostDepth is the distance, in widths of the local cell, over which
// remote cells adjacent along the translation axis are mirrored.
const GhostDepth = 3

// Domain is one rank's part of a distributed Grid. It holds the
// authoritative data of the cells the rank owns and read-only copies
// of nearby cells owned by other ranks. Every rank holds its own
// replica of the Grid, and all ranks must call the collective methods
// (UpdateGhosts and Repartition) in the same order.
type Domain struct {
	grid        *Grid
	ex          exchange.Exchanger
	populations int

	local  map[CellID]*Cell
	ghosts map[CellID]*Cell

	localIDs   []CellID
	generation uint64

	// plans holds, per axis, the cells each other rank needs from
	// this one.
	plans    map[Dim]map[int][]CellID
	ghostSeq uint64
}

// NewDomain creates the domain of rank ex.Rank() with empty storage
// for the given number of populations.
func NewDomain(g *Grid, ex exchange.Exchanger, populations int) *Domain {
	d := &Domain{
		grid:        g,
		ex:          ex,
		populations: populations,
		local:       make(map[CellID]*Cell),
	}
	for _, id := range g.RankCells(ex.Rank()) {
		d.local[id] = d.newCell(id)
	}
	d.reset()
	return d
}

func (d *Domain) newCell(id CellID) *Cell {
	c := &Cell{ID: id, Populations: make([]Blocks, d.populations)}
	for i := range c.Populations {
		c.Populations[i] = make(Blocks)
	}
	return c
}

// reset drops state derived from the current topology.
func (d *Domain) reset() {
	d.localIDs = make([]CellID, 0, len(d.local))
	for id := range d.local {
		d.localIDs = append(d.localIDs, id)
	}
	sort.Slice(d.localIDs, func(i, j int) bool { return d.localIDs[i] < d.localIDs[j] })
	d.ghosts = make(map[CellID]*Cell)
	d.plans = make(map[Dim]map[int][]CellID)
	d.generation = d.grid.Generation()
}

// Grid returns the topology of d.
func (d *Domain) Grid() *Grid { return d.grid }

// Populations returns the number of populations stored in each cell.
func (d *Domain) Populations() int { return d.populations }

// Size returns the number of ranks sharing the grid.
func (d *Domain) Size() int { return d.ex.Size() }

// FaceNeighbors implements Mesh.
func (d *Domain) FaceNeighbors(id CellID, dim Dim, dir Direction) ([]CellID, error) {
	return d.grid.FaceNeighbors(id, dim, dir)
}

// Level implements Mesh.
func (d *Domain) Level(id CellID) (int, error) { return d.grid.Level(id) }

// Bounds implements Mesh.
func (d *Domain) Bounds(id CellID) (Box, error) { return d.grid.Bounds(id) }

// DomainBounds implements Mesh.
func (d *Domain) DomainBounds() Box { return d.grid.DomainBounds() }

// IsPeriodic implements Mesh.
func (d *Domain) IsPeriodic(dim Dim) bool { return d.grid.IsPeriodic(dim) }

// OwningRank implements Mesh.
func (d *Domain) OwningRank(id CellID) (int, error) { return d.grid.OwningRank(id) }

// Rank implements Mesh.
func (d *Domain) Rank() int { return d.ex.Rank() }

// LocalCells implements Mesh.
func (d *Domain) LocalCells() []CellID { return d.localIDs }

// Generation implements Mesh.
func (d *Domain) Generation() uint64 { return d.grid.Generation() }

// Cell implements Mesh.
func (d *Domain) Cell(id CellID) (*Cell, bool) {
	if c, ok := d.local[id]; ok {
		return c, true
	}
	c, ok := d.ghosts[id]
	return c, ok
}

// IsLocal reports whether this rank owns cell id.
func (d *Domain) IsLocal(id CellID) bool {
	_, ok := d.local[id]
	return ok
}

// ghostNeeds returns, per owning rank, the remote cells within
// GhostDepth local cell widths of any local cell along dim.
func (d *Domain) ghostNeeds(dim Dim) (map[int][]CellID, error) {
	type step struct {
		id      CellID
		covered float64
	}
	need := make(map[CellID]struct{})
	for _, a := range d.localIDs {
		ab, err := d.grid.Bounds(a)
		if err != nil {
			return nil, err
		}
		limit := GhostDepth * ab.Size(dim)
		for _, dir := range []Direction{Negative, Positive} {
			visited := map[CellID]struct{}{a: {}}
			frontier := []step{{id: a}}
			for len(frontier) > 0 {
				cur := frontier[0]
				frontier = frontier[1:]
				nbrs, err := d.grid.FaceNeighbors(cur.id, dim, dir)
				if err != nil {
					return nil, err
				}
				for _, n := range nbrs {
					if _, ok := visited[n]; ok {
						continue
					}
					visited[n] = struct{}{}
					if !d.IsLocal(n) {
						need[n] = struct{}{}
					}
					nb, err := d.grid.Bounds(n)
					if err != nil {
						return nil, err
					}
					if e := cur.covered + nb.Size(dim); e < limit {
						frontier = append(frontier, step{id: n, covered: e})
					}
				}
			}
		}
	}
	o := make(map[int][]CellID)
	for id := range need {
		r, err := d.grid.OwningRank(id)
		if err != nil {
			return nil, err
		}
		o[r] = append(o[r], id)
	}
	for _, ids := range o {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return o, nil
}

func encode(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// checkGeneration drops derived state if the topology changed.
func (d *Domain) checkGeneration() error {
	if d.grid.Generation() == d.generation {
		return nil
	}
	for id := range d.local {
		r, err := d.grid.OwningRank(id)
		if err != nil || r != d.Rank() {
			return fmt.Errorf("mesh: topology changed without migrating cell %d", id)
		}
	}
	d.reset()
	return nil
}

// ErrPeerAborted is wrapped by the errors returned when another rank
// reported a failure in place of its part of a collective exchange.
var ErrPeerAborted = errors.New("mesh: another rank aborted the exchange")

// ghostPlan returns the cells every other rank needs from this rank
// for translation along dim, exchanging requests on first use after a
// topology change. If failure is not nil, an abort notice is sent in
// place of the requests and failure is returned.
func (d *Domain) ghostPlan(ctx context.Context, dim Dim, failure error) (map[int][]CellID, error) {
	generation := d.grid.Generation()
	if p, ok := d.plans[dim]; ok && generation == d.generation {
		return p, failure
	}
	var needs map[int][]CellID
	if failure == nil {
		needs, failure = d.ghostNeeds(dim)
	}
	tag := exchange.Tag{Kind: exchange.GhostRequest, Dimension: int(dim), Population: -1, Seq: generation}
	payloads := make(map[int][]byte)
	var err error
	for r := 0; r < d.ex.Size(); r++ {
		if r == d.Rank() {
			continue
		}
		req := ghostRequest{IDs: needs[r]}
		if failure != nil {
			req = ghostRequest{Abort: failure.Error()}
		}
		if payloads[r], err = encode(req); err != nil {
			return nil, err
		}
	}
	if err := d.ex.Start(ctx, tag, payloads); err != nil {
		return nil, err
	}
	msgs, err := d.ex.Wait(ctx, tag)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	plan := make(map[int][]CellID)
	for r, m := range msgs {
		var req ghostRequest
		if err := decode(m, &req); err != nil {
			return nil, fmt.Errorf("mesh: decoding ghost request from rank %d: %v", r, err)
		}
		if req.Abort != "" {
			return nil, fmt.Errorf("%w: rank %d: %s", ErrPeerAborted, r, req.Abort)
		}
		for _, id := range req.IDs {
			if !d.IsLocal(id) {
				return nil, fmt.Errorf("mesh: rank %d requested cell %d, which rank %d does not own", r, id, d.Rank())
			}
		}
		plan[r] = req.IDs
	}
	d.plans[dim] = plan
	return plan, nil
}

type ghostRequest struct {
	IDs   []CellID
	Abort string
}

type ghostRecord struct {
	ID     CellID
	Blocks Blocks
}

type ghostBatch struct {
	Records []ghostRecord
	Abort   string
}

type migrationBatch struct {
	Cells []*Cell
}

// UpdateGhosts implements Mesh. A rank that cannot take part, for
// example because pop is out of range, still completes the exchange
// with an abort notice so that the other ranks return ErrPeerAborted
// instead of waiting for it.
func (d *Domain) UpdateGhosts(ctx context.Context, pop int, dim Dim) error {
	var failure error
	if pop < 0 || pop >= d.populations {
		failure = fmt.Errorf("mesh.UpdateGhosts: invalid population %d", pop)
	} else {
		failure = d.checkGeneration()
	}
	plan, err := d.ghostPlan(ctx, dim, failure)
	if err != nil && failure == nil {
		failure = err
	}
	tag := exchange.Tag{Kind: exchange.Ghost, Dimension: int(dim), Population: pop, Seq: d.ghostSeq}
	d.ghostSeq++
	payloads := make(map[int][]byte)
	for r := 0; r < d.ex.Size(); r++ {
		if r == d.Rank() {
			continue
		}
		b := ghostBatch{Abort: fmt.Sprint(failure)}
		if failure == nil {
			b = ghostBatch{Records: make([]ghostRecord, len(plan[r]))}
			for i, id := range plan[r] {
				b.Records[i] = ghostRecord{ID: id, Blocks: d.local[id].Populations[pop]}
			}
		}
		if payloads[r], err = encode(b); err != nil {
			return err
		}
	}
	if err := d.ex.Start(ctx, tag, payloads); err != nil {
		return err
	}
	msgs, err := d.ex.Wait(ctx, tag)
	if err != nil {
		return err
	}
	if failure != nil {
		return failure
	}
	batches := make(map[int]ghostBatch, len(msgs))
	for r, m := range msgs {
		var b ghostBatch
		if err := decode(m, &b); err != nil {
			return fmt.Errorf("mesh: decoding ghosts from rank %d: %v", r, err)
		}
		if b.Abort != "" {
			return fmt.Errorf("%w: rank %d: %s", ErrPeerAborted, r, b.Abort)
		}
		batches[r] = b
	}
	for r, b := range batches {
		for _, rec := range b.Records {
			if owner, err := d.grid.OwningRank(rec.ID); err != nil || owner != r {
				return fmt.Errorf("mesh: rank %d sent ghost cell %d that it does not own", r, rec.ID)
			}
			g, ok := d.ghosts[rec.ID]
			if !ok {
				g = d.newCell(rec.ID)
				d.ghosts[rec.ID] = g
			}
			if rec.Blocks == nil {
				rec.Blocks = make(Blocks)
			}
			g.Populations[pop] = rec.Blocks
		}
	}
	return nil
}

// Repartition reassigns cells to ranks along a Z-order curve and moves
// cell data to the new owners.
func (d *Domain) Repartition(ctx context.Context) error {
	if err := d.grid.PartitionMorton(d.ex.Size()); err != nil {
		return err
	}
	return d.Migrate(ctx)
}

// Migrate moves the data of cells whose owner changed in the grid to
// their new owners.
func (d *Domain) Migrate(ctx context.Context) error {
	out := make(map[int][]*Cell)
	for _, id := range d.localIDs {
		r, err := d.grid.OwningRank(id)
		if err != nil {
			return err
		}
		if r != d.Rank() {
			out[r] = append(out[r], d.local[id])
			delete(d.local, id)
		}
	}
	tag := exchange.Tag{Kind: exchange.Migration, Population: -1, Seq: d.grid.Generation()}
	payloads := make(map[int][]byte)
	var err error
	for r := 0; r < d.ex.Size(); r++ {
		if r == d.Rank() {
			continue
		}
		if payloads[r], err = encode(migrationBatch{Cells: out[r]}); err != nil {
			return err
		}
	}
	if err := d.ex.Start(ctx, tag, payloads); err != nil {
		return err
	}
	msgs, err := d.ex.Wait(ctx, tag)
	if err != nil {
		return err
	}
	for r, m := range msgs {
		var b migrationBatch
		if err := decode(m, &b); err != nil {
			return fmt.Errorf("mesh: decoding migrated cells from rank %d: %v", r, err)
		}
		for _, c := range b.Cells {
			if owner, err := d.grid.OwningRank(c.ID); err != nil || owner != d.Rank() {
				return fmt.Errorf("mesh: rank %d migrated cell %d to the wrong rank", r, c.ID)
			}
			for len(c.Populations) < d.populations {
				c.Populations = append(c.Populations, nil)
			}
			for i := range c.Populations {
				if c.Populations[i] == nil {
					c.Populations[i] = make(Blocks)
				}
			}
			d.local[c.ID] = c
		}
	}
	for _, id := range d.grid.RankCells(d.Rank()) {
		if _, ok := d.local[id]; !ok {
			return fmt.Errorf("mesh: rank %d did not receive data for cell %d", d.Rank(), id)
		}
	}
	d.reset()
	return nil
}
