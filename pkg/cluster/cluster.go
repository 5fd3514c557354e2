// Package cluster provides the deterministic work-partitioning and messaging
// primitives used by the processing pipeline. All cross-worker state transfer
// in the pipeline is expressed through this package: contiguous shard
// splitting, run-on-leader-then-broadcast, ordered gathers, point-to-point
// exchanges tagged by rank, and barriers.
package cluster

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Leader is the rank that performs single-process work and owns gathered
// results.
const Leader = 0

// Comm is a worker's handle on the messaging substrate. A Comm belongs to
// exactly one rank; it is not safe to share a single Comm between goroutines.
type Comm interface {
	// Rank returns this worker's rank in [0, Size).
	Rank() int

	// Size returns the number of cooperating workers.
	Size() int

	// Barrier blocks until every worker has reached the same barrier call.
	Barrier()

	// Bcast disseminates the root's value to every worker and returns it.
	// Non-root callers ignore their value argument.
	Bcast(root int, value any) any

	// Send delivers value to the destination rank under the given tag.
	Send(value any, dest, tag int)

	// Recv blocks for a value from the source rank under the given tag.
	Recv(source, tag int) any
}

// SplitRange deterministically partitions [0, n) into size contiguous shards
// and returns the half-open bounds of the shard owned by rank. The first
// n%size shards receive one extra element. The same arguments produce the
// same bounds on every worker, which allows one rank to reproduce the shard
// another rank was assigned.
func SplitRange(n, rank, size int) (lo, hi int) {
	if size <= 0 {
		panic("cluster: non-positive world size")
	}
	if rank < 0 || rank >= size {
		panic(fmt.Sprintf("cluster: rank %d out of range for size %d", rank, size))
	}
	q, r := n/size, n%size
	lo = rank*q + min(rank, r)
	hi = lo + q
	if rank < r {
		hi++
	}
	return lo, hi
}

// RunOnLeader executes fn on the leader rank only and disseminates its result
// to every worker. This is the only mechanism by which a value computed once
// becomes globally consistent without an explicit exchange. An error on the
// leader is disseminated too, so every rank fails identically.
func RunOnLeader(c Comm, fn func() (any, error)) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	var out outcome
	if c.Rank() == Leader {
		v, err := fn()
		out = outcome{value: v, err: err}
	}
	got := c.Bcast(Leader, out).(outcome)
	return got.value, got.err
}

// GatherOrdered assembles every worker's local float64 shard at the leader,
// concatenated in ascending rank order regardless of message arrival order.
// The leader's own shard is placed first without a message. Non-leader ranks
// send their shard and receive nil.
func GatherOrdered(c Comm, local []float64, tag int) []float64 {
	if c.Rank() != Leader {
		c.Send(local, Leader, tag)
		return nil
	}
	full := append([]float64(nil), local...)
	for r := 1; r < c.Size(); r++ {
		part := c.Recv(r, tag).([]float64)
		full = append(full, part...)
	}
	return full
}

// Local is the single-worker substrate: rank 0 of a world of size 1.
// Every collective is immediate and point-to-point messaging is invalid.
type Local struct{}

func (Local) Rank() int { return 0 }

func (Local) Size() int { return 1 }

func (Local) Barrier() {}

func (Local) Bcast(root int, value any) any { return value }

func (Local) Send(value any, dest, tag int) {
	panic("cluster: point-to-point send in single-worker run")
}

func (Local) Recv(source, tag int) any {
	panic("cluster: point-to-point recv in single-worker run")
}

// Group is an in-process multi-worker substrate. Each rank runs as a
// goroutine; messages travel over per-(source, dest, tag) channels and the
// barrier is a reusable generation-counting barrier. It exists so the
// pipeline's rank logic can be exercised deterministically inside one
// process.
type Group struct {
	size int

	mu    sync.Mutex
	links map[linkKey]chan any

	barrier *genBarrier
}

type linkKey struct {
	source, dest, tag int
}

// NewGroup creates an in-process substrate for the given world size.
func NewGroup(size int) *Group {
	if size <= 0 {
		panic("cluster: non-positive world size")
	}
	return &Group{
		size:    size,
		links:   make(map[linkKey]chan any),
		barrier: newGenBarrier(size),
	}
}

// Comm returns the substrate handle for one rank.
func (g *Group) Comm(rank int) Comm {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("cluster: rank %d out of range for size %d", rank, g.size))
	}
	return &member{group: g, rank: rank}
}

// Run launches fn once per rank, each on its own goroutine, and waits for
// all of them. The first error cancels nothing (stages have no timeouts) but
// is returned after every rank finishes.
func (g *Group) Run(fn func(Comm) error) error {
	var eg errgroup.Group
	for r := 0; r < g.size; r++ {
		c := g.Comm(r)
		eg.Go(func() error { return fn(c) })
	}
	return eg.Wait()
}

func (g *Group) link(source, dest, tag int) chan any {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := linkKey{source: source, dest: dest, tag: tag}
	ch, ok := g.links[k]
	if !ok {
		ch = make(chan any, 8)
		g.links[k] = ch
	}
	return ch
}

// bcastTag is reserved for broadcast traffic; stage tags are non-negative.
const bcastTag = -1

type member struct {
	group *Group
	rank  int
}

func (m *member) Rank() int { return m.rank }

func (m *member) Size() int { return m.group.size }

func (m *member) Barrier() { m.group.barrier.wait() }

func (m *member) Bcast(root int, value any) any {
	if m.rank == root {
		for r := 0; r < m.group.size; r++ {
			if r == root {
				continue
			}
			m.group.link(root, r, bcastTag) <- value
		}
		return value
	}
	return <-m.group.link(root, m.rank, bcastTag)
}

func (m *member) Send(value any, dest, tag int) {
	if tag < 0 {
		panic("cluster: negative tags are reserved")
	}
	m.group.link(m.rank, dest, tag) <- value
}

func (m *member) Recv(source, tag int) any {
	if tag < 0 {
		panic("cluster: negative tags are reserved")
	}
	return <-m.group.link(source, m.rank, tag)
}

// genBarrier is a reusable barrier; each generation releases once all
// participants arrive.
type genBarrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   int
}

func newGenBarrier(n int) *genBarrier {
	b := &genBarrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *genBarrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
