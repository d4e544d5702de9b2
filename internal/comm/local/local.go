// Package local is an in-process implementation of comm.Communicator
// used for tests and single-node simulation of a redundancy set, built
// entirely on goroutines, channels, and sync primitives — no internal
// thread pool, one call frame per rank, matching spec.md §5's "single
// thread of control per process" model applied to a simulated world.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/CamStan/scr/internal/comm"
)

// Hub is the shared rendezvous point for a simulated world of ranks.
// Every Communicator built with New shares one Hub.
type Hub struct {
	size int
	host string

	mu   sync.Mutex
	coll map[string]*collective

	pmu    sync.Mutex
	pipes  map[string]chan []byte
}

// NewHub creates a Hub for a world of the given size, all reporting the
// same simulated hostname (local communicators use hostnames to decide
// whether PARTNER placement is degenerate per spec.md §3).
func NewHub(size int, host string) *Hub {
	return &Hub{
		size:  size,
		host:  host,
		coll:  make(map[string]*collective),
		pipes: make(map[string]chan []byte),
	}
}

// Rank returns a Communicator bound to the given rank of h's world.
func (h *Hub) Rank(rank int) comm.Communicator {
	return &Comm{hub: h, rank: rank, size: h.size}
}

// collective is one named round-based rendezvous (barrier/bcast/gather).
type collective struct {
	mu      sync.Mutex
	cond    *sync.Cond
	round   int
	arrived int
	values  [][]byte
	result  [][]byte
}

func (h *Hub) collectiveFor(name string) *collective {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.coll[name]
	if !ok {
		c = &collective{values: make([][]byte, h.size)}
		c.cond = sync.NewCond(&c.mu)
		h.coll[name] = c
	}
	return c
}

// rendezvous blocks the calling rank until all h.size ranks have called
// rendezvous for the same name in the same round, returning every rank's
// submitted value, indexed by rank.
func (h *Hub) rendezvous(name string, rank int, value []byte) [][]byte {
	c := h.collectiveFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	myRound := c.round
	c.values[rank] = value
	c.arrived++
	if c.arrived == h.size {
		c.result = c.values
		c.values = make([][]byte, h.size)
		c.arrived = 0
		c.round++
		c.cond.Broadcast()
		return c.result
	}
	for c.round == myRound {
		c.cond.Wait()
	}
	return c.result
}

// Comm is one rank's view into a Hub.
type Comm struct {
	hub  *Hub
	rank int
	size int
}

// Rank implements comm.Communicator.
func (c *Comm) Rank() int { return c.rank }

// Size implements comm.Communicator.
func (c *Comm) Size() int { return c.size }

// Barrier implements comm.Communicator.
func (c *Comm) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.hub.rendezvous("barrier", c.rank, nil)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllReduceAnd implements comm.Communicator.
func (c *Comm) AllReduceAnd(ctx context.Context, ok bool) (bool, error) {
	val := []byte{0}
	if ok {
		val[0] = 1
	}
	resCh := make(chan [][]byte, 1)
	go func() { resCh <- c.hub.rendezvous("allreduce_and", c.rank, val) }()
	select {
	case all := <-resCh:
		result := true
		for _, v := range all {
			if len(v) == 0 || v[0] == 0 {
				result = false
				break
			}
		}
		return result, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Bcast implements comm.Communicator.
func (c *Comm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	var send []byte
	if c.rank == root {
		send = data
	}
	resCh := make(chan [][]byte, 1)
	go func() { resCh <- c.hub.rendezvous("bcast", c.rank, send) }()
	select {
	case all := <-resCh:
		return all[root], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Gather implements comm.Communicator.
func (c *Comm) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	resCh := make(chan [][]byte, 1)
	go func() { resCh <- c.hub.rendezvous("gather", c.rank, data) }()
	select {
	case all := <-resCh:
		if c.rank != root {
			return nil, nil
		}
		return all, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pipeDepth is the number of messages a Send can queue on one
// (src, dest, tag) pipe before it blocks waiting for the matching Recv.
const pipeDepth = 64

func pipeKey(src, dest, tag int) string {
	return fmt.Sprintf("%d->%d#%d", src, dest, tag)
}

func (c *Comm) pipe(src, dest, tag int) chan []byte {
	key := pipeKey(src, dest, tag)
	c.hub.pmu.Lock()
	defer c.hub.pmu.Unlock()
	p, ok := c.hub.pipes[key]
	if !ok {
		p = make(chan []byte, pipeDepth)
		c.hub.pipes[key] = p
	}
	return p
}

// Send implements comm.Communicator.
func (c *Comm) Send(ctx context.Context, dest int, tag int, data []byte) error {
	if dest == comm.NoRank {
		return nil
	}
	p := c.pipe(c.rank, dest, tag)
	select {
	case p <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements comm.Communicator.
func (c *Comm) Recv(ctx context.Context, src int, tag int) ([]byte, error) {
	if src == comm.NoRank {
		return nil, nil
	}
	p := c.pipe(src, c.rank, tag)
	select {
	case data := <-p:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SplitLocal implements comm.Communicator. Every rank in a Hub shares the
// simulated hostname, so the node-local split is the whole world.
func (c *Comm) SplitLocal(ctx context.Context) (comm.Communicator, error) {
	return c, nil
}
