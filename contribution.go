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
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/spatialmodel/vtrans/exchange"
	"github.com/spatialmodel/vtrans/mesh"
)

// Source identifies where a RemoteContribution was produced.
type Source struct {
	Rank   int
	Pencil int
	Seq    int
}

func (s Source) less(o Source) bool {
	if s.Rank != o.Rank {
		return s.Rank < o.Rank
	}
	if s.Pencil != o.Pencil {
		return s.Pencil < o.Pencil
	}
	return s.Seq < o.Seq
}

// RemoteContribution is a density increment for a cell outside the pencil
// that produced it. Increments are in the density units of the target cell.
type RemoteContribution struct {
	Target     mesh.CellID
	Rank       int // owner of Target
	Population int
	Source     Source
	Blocks     mesh.Blocks
}

// contributionBatch is the message one rank sends another after each pass.
type contributionBatch struct {
	Count   int
	Records []RemoteContribution
	Abort   bool
	Reason  string
}

func mismatch(dim mesh.Dim, pop int, format string, a ...interface{}) *Error {
	e := newError(TransferMismatch, format, a...)
	e.Dimension = int(dim)
	e.Population = pop
	return e
}

// sortContributions orders records by target and then by source so that
// they are always added in the same order.
func sortContributions(recs []RemoteContribution) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Target != recs[j].Target {
			return recs[i].Target < recs[j].Target
		}
		return recs[i].Source.less(recs[j].Source)
	})
}

// exchangeContributions sends every other rank the contributions it owns,
// or an abort notice if failure is not nil, and returns all contributions
// addressed to this rank, sorted. It always sends to and waits for every
// other rank so that a failure on one rank does not leave the others
// blocked.
func exchangeContributions(ctx context.Context, ex exchange.Exchanger, tag exchange.Tag,
	dim mesh.Dim, pop int, recs []RemoteContribution, failure error) (o []RemoteContribution, sent int, err error) {
	me := ex.Rank()
	byRank := make(map[int][]RemoteContribution)
	for _, r := range recs {
		if r.Rank == me {
			o = append(o, r)
		} else {
			byRank[r.Rank] = append(byRank[r.Rank], r)
		}
	}
	payloads := make(map[int][]byte, ex.Size()-1)
	for r := 0; r < ex.Size(); r++ {
		if r == me {
			continue
		}
		b := contributionBatch{Count: len(byRank[r]), Records: byRank[r]}
		if failure != nil {
			b = contributionBatch{Abort: true, Reason: failure.Error()}
		} else {
			sent += len(b.Records)
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(b); err != nil {
			return nil, 0, fmt.Errorf("vtrans: encoding contributions for rank %d: %v", r, err)
		}
		payloads[r] = buf.Bytes()
	}
	if err := ex.Start(ctx, tag, payloads); err != nil {
		return nil, 0, mismatch(dim, pop, "sending contributions: %v", err)
	}
	msgs, err := ex.Wait(ctx, tag)
	if err != nil {
		return nil, 0, mismatch(dim, pop, "receiving contributions: %v", err)
	}
	if failure != nil {
		return nil, 0, failure
	}
	for r := 0; r < ex.Size(); r++ {
		if r == me {
			continue
		}
		data, ok := msgs[r]
		if !ok {
			return nil, 0, mismatch(dim, pop, "no contributions from rank %d", r)
		}
		var b contributionBatch
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
			return nil, 0, mismatch(dim, pop, "decoding contributions from rank %d: %v", r, err)
		}
		if b.Abort {
			return nil, 0, mismatch(dim, pop, "rank %d aborted the pass: %s", r, b.Reason)
		}
		if b.Count != len(b.Records) {
			return nil, 0, mismatch(dim, pop, "rank %d declared %d contributions but sent %d", r, b.Count, len(b.Records))
		}
		for _, rec := range b.Records {
			if rec.Rank != me {
				return nil, 0, mismatch(dim, pop, "rank %d sent a contribution for cell %d owned by rank %d", r, rec.Target, rec.Rank)
			}
			if rec.Population != pop {
				return nil, 0, mismatch(dim, pop, "rank %d sent a contribution for population %d", r, rec.Population)
			}
			if rec.Source.Rank != r {
				return nil, 0, mismatch(dim, pop, "rank %d sent a contribution from rank %d", r, rec.Source.Rank)
			}
			o = append(o, rec)
		}
	}
	sortContributions(o)
	return o, sent, nil
}

// applyContributions adds recs into the local cells of m.
func applyContributions(m mesh.Mesh, dim mesh.Dim, pop int, recs []RemoteContribution) error {
	for _, rec := range recs {
		owner, err := m.OwningRank(rec.Target)
		if err != nil || owner != m.Rank() {
			return mismatch(dim, pop, "contribution for cell %d, which rank %d does not own", rec.Target, m.Rank())
		}
		c, ok := m.Cell(rec.Target)
		if !ok {
			return mismatch(dim, pop, "no storage for cell %d", rec.Target)
		}
		dst := c.Populations[pop]
		for b, inc := range rec.Blocks {
			blk := dst[b]
			for lane, v := range inc {
				blk[lane] += v
			}
			dst[b] = blk
		}
	}
	return nil
}
