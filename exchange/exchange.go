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

// Package exchange moves tagged byte payloads between the ranks of a
// partitioned mesh. Every collective operation is a Start to every other
// rank followed by a Wait for one message from every other rank.
package exchange

import (
	"context"
	"fmt"
	"sync"
)

// Kind identifies the purpose of a message.
type Kind int

const (
	// Ghost messages carry read-only copies of cells near a partition boundary.
	Ghost Kind = iota
	// Contribution messages carry density increments for cells owned by the receiver.
	Contribution
	// Migration messages carry cells whose owner changed in a repartition.
	Migration
	// GhostRequest messages list the ghost cells a rank needs from the receiver.
	GhostRequest
)

func (k Kind) String() string {
	switch k {
	case Ghost:
		return "ghost"
	case Contribution:
		return "contribution"
	case Migration:
		return "migration"
	case GhostRequest:
		return "ghost request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Tag identifies one collective exchange. All ranks must use the
// same Tag for the same exchange.
type Tag struct {
	Kind       Kind
	Dimension  int
	Population int
	Seq        uint64
}

func (t Tag) String() string {
	return fmt.Sprintf("%v/dim%d/pop%d/%d", t.Kind, t.Dimension, t.Population, t.Seq)
}

// Exchanger sends and receives payloads between ranks.
type Exchanger interface {
	// Rank is the rank of the caller.
	Rank() int

	// Size is the total number of ranks.
	Size() int

	// Start sends payloads[r] to rank r for every key r.
	// It does not wait for the receivers.
	Start(ctx context.Context, tag Tag, payloads map[int][]byte) error

	// Wait blocks until a message tagged tag has arrived from every
	// other rank and returns them keyed by sender.
	Wait(ctx context.Context, tag Tag) (map[int][]byte, error)
}

// Message is a payload in transit.
type Message struct {
	From int
	To   int
	Tag  Tag
	Data []byte
}

type mailKey struct {
	to  int
	tag Tag
}

// mailbox buffers messages by recipient and tag until they are
// collected.
type mailbox struct {
	mu    sync.Mutex
	size  int
	boxes map[mailKey]chan *Message
}

func newMailbox(size int) *mailbox {
	return &mailbox{size: size, boxes: make(map[mailKey]chan *Message)}
}

func (mb *mailbox) box(to int, tag Tag) chan *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	k := mailKey{to: to, tag: tag}
	c, ok := mb.boxes[k]
	if !ok {
		c = make(chan *Message, mb.size)
		mb.boxes[k] = c
	}
	return c
}

func (mb *mailbox) deliver(m *Message) error {
	if m.To < 0 || m.To >= mb.size {
		return fmt.Errorf("exchange: message %v for invalid rank %d", m.Tag, m.To)
	}
	if m.From < 0 || m.From >= mb.size {
		return fmt.Errorf("exchange: message %v from invalid rank %d", m.Tag, m.From)
	}
	mb.box(m.To, m.Tag) <- m
	return nil
}

// collect waits for one message from every rank other than to.
func (mb *mailbox) collect(ctx context.Context, to int, tag Tag) (map[int][]byte, error) {
	c := mb.box(to, tag)
	o := make(map[int][]byte, mb.size-1)
	for len(o) < mb.size-1 {
		select {
		case m := <-c:
			if _, ok := o[m.From]; ok {
				return nil, fmt.Errorf("exchange: duplicate message %v from rank %d", tag, m.From)
			}
			o[m.From] = m.Data
		case <-ctx.Done():
			return nil, fmt.Errorf("exchange: waiting for %v on rank %d: %v", tag, to, ctx.Err())
		}
	}
	mb.mu.Lock()
	delete(mb.boxes, mailKey{to: to, tag: tag})
	mb.mu.Unlock()
	return o, nil
}
