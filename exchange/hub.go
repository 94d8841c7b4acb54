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
)

// Hub connects ranks that run in the same process.
type Hub struct {
	mb *mailbox
}

// NewHub creates a hub for the given number of ranks.
func NewHub(ranks int) *Hub {
	if ranks < 1 {
		panic(fmt.Errorf("exchange: invalid number of ranks %d", ranks))
	}
	return &Hub{mb: newMailbox(ranks)}
}

// Size returns the number of ranks connected to h.
func (h *Hub) Size() int { return h.mb.size }

// Node returns the Exchanger for the given rank.
func (h *Hub) Node(rank int) Exchanger {
	if rank < 0 || rank >= h.mb.size {
		panic(fmt.Errorf("exchange: invalid rank %d for hub of size %d", rank, h.mb.size))
	}
	return &hubNode{hub: h, rank: rank}
}

type hubNode struct {
	hub  *Hub
	rank int
}

func (n *hubNode) Rank() int { return n.rank }
func (n *hubNode) Size() int { return n.hub.mb.size }

func (n *hubNode) Start(ctx context.Context, tag Tag, payloads map[int][]byte) error {
	for to, data := range payloads {
		if to == n.rank {
			return fmt.Errorf("exchange: rank %d sending %v to itself", n.rank, tag)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.hub.mb.deliver(&Message{From: n.rank, To: to, Tag: tag, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

func (n *hubNode) Wait(ctx context.Context, tag Tag) (map[int][]byte, error) {
	return n.hub.mb.collect(ctx, n.rank, tag)
}
