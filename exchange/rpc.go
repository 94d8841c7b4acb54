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
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// Empty is an empty RPC argument or reply.
type Empty struct{}

// Mailbox is the RPC service that receives messages for a rank.
type Mailbox struct {
	mb *mailbox
}

// Deliver stores msg until the receiving rank collects it. It is
// exported for use with rpc.Call.
func (m *Mailbox) Deliver(msg *Message, _ *Empty) error {
	return m.mb.deliver(msg)
}

// RPCNode is an Exchanger for ranks running in separate processes.
// Messages are sent with net/rpc over HTTP.
type RPCNode struct {
	rank  int
	peers []string
	mb    *mailbox

	listener net.Listener
	server   *http.Server
	served   chan struct{}

	mu      sync.Mutex
	clients map[int]*rpc.Client

	// DialTimeout is the maximum time spent retrying a connection
	// to a peer.
	DialTimeout time.Duration

	Log logrus.FieldLogger
}

// ListenRPC starts the RPC server for the given rank of a group of
// size ranks at addr. Use Addr to find the address actually bound
// and SetPeers before the first exchange.
func ListenRPC(rank, size int, addr string) (*RPCNode, error) {
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("exchange.ListenRPC: invalid rank %d for size %d", rank, size)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("exchange.ListenRPC: %v", err)
	}
	n := &RPCNode{
		rank:        rank,
		mb:          newMailbox(size),
		listener:    l,
		served:      make(chan struct{}),
		clients:     make(map[int]*rpc.Client),
		DialTimeout: time.Minute,
		Log:         logrus.StandardLogger(),
	}
	s := rpc.NewServer()
	if err := s.RegisterName("Mailbox", &Mailbox{mb: n.mb}); err != nil {
		l.Close()
		return nil, fmt.Errorf("exchange.ListenRPC: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, s)
	n.server = &http.Server{Handler: mux}
	go func() {
		n.server.Serve(l)
		close(n.served)
	}()
	return n, nil
}

// Addr returns the address the node is listening on.
func (n *RPCNode) Addr() string { return n.listener.Addr().String() }

// SetPeers sets the addresses of all ranks, indexed by rank.
func (n *RPCNode) SetPeers(addrs []string) error {
	if len(addrs) != n.mb.size {
		return fmt.Errorf("exchange: %d peer addresses for %d ranks", len(addrs), n.mb.size)
	}
	n.mu.Lock()
	n.peers = append([]string(nil), addrs...)
	n.mu.Unlock()
	return nil
}

// Rank implements Exchanger.
func (n *RPCNode) Rank() int { return n.rank }

// Size implements Exchanger.
func (n *RPCNode) Size() int { return n.mb.size }

func (n *RPCNode) client(to int) (*rpc.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[to]; ok {
		return c, nil
	}
	if n.peers == nil {
		return nil, fmt.Errorf("exchange: rank %d has no peer addresses", n.rank)
	}
	addr := n.peers[to]
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = n.DialTimeout
	var c *rpc.Client
	err := backoff.RetryNotify(
		func() error {
			var err error
			c, err = rpc.DialHTTP("tcp", addr)
			return err
		},
		b,
		func(err error, d time.Duration) {
			n.Log.WithFields(logrus.Fields{"rank": n.rank, "peer": to}).Infof("%v: retrying in %v", err, d)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("exchange: rank %d dialing rank %d at %s: %v", n.rank, to, addr, err)
	}
	n.clients[to] = c
	return c, nil
}

// Start implements Exchanger.
func (n *RPCNode) Start(ctx context.Context, tag Tag, payloads map[int][]byte) error {
	for to, data := range payloads {
		if to == n.rank {
			return fmt.Errorf("exchange: rank %d sending %v to itself", n.rank, tag)
		}
		c, err := n.client(to)
		if err != nil {
			return err
		}
		msg := &Message{From: n.rank, To: to, Tag: tag, Data: data}
		call := c.Go("Mailbox.Deliver", msg, &Empty{}, make(chan *rpc.Call, 1))
		select {
		case <-call.Done:
			if call.Error != nil {
				return fmt.Errorf("exchange: rank %d sending %v to rank %d: %v", n.rank, tag, to, call.Error)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait implements Exchanger.
func (n *RPCNode) Wait(ctx context.Context, tag Tag) (map[int][]byte, error) {
	return n.mb.collect(ctx, n.rank, tag)
}

// Close closes all client connections and stops the server.
func (n *RPCNode) Close() error {
	n.mu.Lock()
	for to, c := range n.clients {
		c.Close()
		delete(n.clients, to)
	}
	n.mu.Unlock()
	err := n.server.Close()
	<-n.served
	return err
}
