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

package exchange

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// allToAll runs one collective exchange on every node and checks that
// each rank received the payload addressed to it by every other rank.
func allToAll(t *testing.T, nodes []Exchanger, tag Tag) {
	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for _, n := range nodes {
		wg.Add(1)
		go func(n Exchanger) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			payloads := make(map[int][]byte)
			for r := 0; r < n.Size(); r++ {
				if r != n.Rank() {
					payloads[r] = []byte(fmt.Sprintf("%d->%d %v", n.Rank(), r, tag))
				}
			}
			if err := n.Start(ctx, tag, payloads); err != nil {
				errs[n.Rank()] = err
				return
			}
			msgs, err := n.Wait(ctx, tag)
			if err != nil {
				errs[n.Rank()] = err
				return
			}
			if len(msgs) != n.Size()-1 {
				errs[n.Rank()] = fmt.Errorf("rank %d: %d messages, want %d", n.Rank(), len(msgs), n.Size()-1)
				return
			}
			for from, m := range msgs {
				want := fmt.Sprintf("%d->%d %v", from, n.Rank(), tag)
				if string(m) != want {
					errs[n.Rank()] = fmt.Errorf("rank %d: have %q, want %q", n.Rank(), m, want)
				}
			}
		}(n)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestHub(t *testing.T) {
	defer goleak.VerifyNone(t)
	const ranks = 4
	h := NewHub(ranks)
	nodes := make([]Exchanger, ranks)
	for i := range nodes {
		nodes[i] = h.Node(i)
	}
	for seq := uint64(0); seq < 3; seq++ {
		for _, k := range []Kind{Ghost, Contribution, Migration} {
			allToAll(t, nodes, Tag{Kind: k, Dimension: int(seq) % 3, Population: 1, Seq: seq})
		}
	}
	if len(h.mb.boxes) != 0 {
		t.Errorf("%d mailboxes left open", len(h.mb.boxes))
	}
}

func TestHubSingleRank(t *testing.T) {
	h := NewHub(1)
	n := h.Node(0)
	if err := n.Start(context.Background(), Tag{}, nil); err != nil {
		t.Fatal(err)
	}
	msgs, err := n.Wait(context.Background(), Tag{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("have %d messages, want 0", len(msgs))
	}
}

func TestHubWaitCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHub(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Node(0).Wait(ctx, Tag{Kind: Contribution}); err == nil {
		t.Error("expected an error when no peer sends")
	}
}

func TestHubSelfSend(t *testing.T) {
	h := NewHub(2)
	err := h.Node(1).Start(context.Background(), Tag{}, map[int][]byte{1: nil})
	if err == nil {
		t.Error("expected an error sending to self")
	}
}

func TestRPC(t *testing.T) {
	defer goleak.VerifyNone(t)
	const ranks = 3
	nodes := make([]*RPCNode, ranks)
	addrs := make([]string, ranks)
	for i := range nodes {
		n, err := ListenRPC(i, ranks, "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		nodes[i] = n
		addrs[i] = n.Addr()
	}
	ex := make([]Exchanger, ranks)
	for i, n := range nodes {
		if err := n.SetPeers(addrs); err != nil {
			t.Fatal(err)
		}
		ex[i] = n
	}
	allToAll(t, ex, Tag{Kind: Ghost, Dimension: 2, Seq: 7})
	allToAll(t, ex, Tag{Kind: Contribution, Dimension: 2, Seq: 7})
	for _, n := range nodes {
		if err := n.Close(); err != nil {
			t.Error(err)
		}
	}
}
