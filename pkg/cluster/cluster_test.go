package cluster

import (
	"fmt"
	"sync"
	"testing"
)

// TestSplitRangeCoversEverything verifies that the shards of all ranks
// exactly tile [0, n) in order, for a spread of element and worker counts.
func TestSplitRangeCoversEverything(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 16, 17, 100} {
		for _, size := range []int{1, 2, 3, 5, 8} {
			next := 0
			for rank := 0; rank < size; rank++ {
				lo, hi := SplitRange(n, rank, size)
				if lo != next {
					t.Errorf("n=%d size=%d rank=%d: expected lo=%d, got %d", n, size, rank, next, lo)
				}
				if hi < lo {
					t.Errorf("n=%d size=%d rank=%d: hi=%d before lo=%d", n, size, rank, hi, lo)
				}
				next = hi
			}
			if next != n {
				t.Errorf("n=%d size=%d: shards cover [0, %d), want [0, %d)", n, size, next, n)
			}
		}
	}
}

// TestSplitRangeFirstShardsLarger verifies that the remainder elements go to
// the lowest ranks, one each.
func TestSplitRangeFirstShardsLarger(t *testing.T) {
	// 10 elements over 4 workers: shards of 3, 3, 2, 2.
	want := [][2]int{{0, 3}, {3, 6}, {6, 8}, {8, 10}}
	for rank, bounds := range want {
		lo, hi := SplitRange(10, rank, 4)
		if lo != bounds[0] || hi != bounds[1] {
			t.Errorf("rank %d: expected [%d, %d), got [%d, %d)", rank, bounds[0], bounds[1], lo, hi)
		}
	}
}

// TestLocalCollectives verifies the trivial single-worker substrate.
func TestLocalCollectives(t *testing.T) {
	c := Local{}
	if c.Rank() != 0 || c.Size() != 1 {
		t.Fatalf("expected rank 0 of size 1, got rank %d of size %d", c.Rank(), c.Size())
	}
	c.Barrier()
	if got := c.Bcast(Leader, 42).(int); got != 42 {
		t.Errorf("expected broadcast to return 42, got %d", got)
	}
	full := GatherOrdered(c, []float64{1, 2, 3}, 1)
	if len(full) != 3 || full[0] != 1 || full[2] != 3 {
		t.Errorf("expected gather of a single shard to be the shard, got %v", full)
	}
}

// TestGroupBcast verifies that a value broadcast from any root reaches
// every rank.
func TestGroupBcast(t *testing.T) {
	const size = 4
	g := NewGroup(size)
	err := g.Run(func(c Comm) error {
		for root := 0; root < size; root++ {
			want := root * 100
			got := c.Bcast(root, want).(int)
			if got != want {
				return fmt.Errorf("rank %d: expected %d from root %d, got %d", c.Rank(), want, root, got)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestGatherOrderedConcatenatesByRank verifies that the leader's assembled
// array is ordered by rank regardless of goroutine scheduling.
func TestGatherOrderedConcatenatesByRank(t *testing.T) {
	const size = 5
	g := NewGroup(size)
	var mu sync.Mutex
	var full []float64
	err := g.Run(func(c Comm) error {
		local := []float64{float64(c.Rank()), float64(c.Rank()) + 0.5}
		got := GatherOrdered(c, local, 7)
		if c.Rank() == Leader {
			mu.Lock()
			full = got
			mu.Unlock()
		} else if got != nil {
			return fmt.Errorf("rank %d: expected nil gather result, got %v", c.Rank(), got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != 2*size {
		t.Fatalf("expected %d gathered elements, got %d", 2*size, len(full))
	}
	for r := 0; r < size; r++ {
		if full[2*r] != float64(r) || full[2*r+1] != float64(r)+0.5 {
			t.Errorf("rank %d shard out of order: got %v at offset %d", r, full[2*r:2*r+2], 2*r)
		}
	}
}

// TestRunOnLeaderDisseminatesResultAndError verifies that both the value
// and the error computed on the leader are seen identically by all ranks.
func TestRunOnLeaderDisseminatesResultAndError(t *testing.T) {
	const size = 3
	g := NewGroup(size)
	err := g.Run(func(c Comm) error {
		v, err := RunOnLeader(c, func() (any, error) {
			return "computed-once", nil
		})
		if err != nil {
			return err
		}
		if v.(string) != "computed-once" {
			return fmt.Errorf("rank %d: expected leader value, got %v", c.Rank(), v)
		}

		_, err = RunOnLeader(c, func() (any, error) {
			return nil, fmt.Errorf("leader failure")
		})
		if err == nil {
			return fmt.Errorf("rank %d: expected the leader's error to be disseminated", c.Rank())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestBarrierReusable verifies the barrier across repeated generations: a
// counter incremented strictly between barriers is seen consistently.
func TestBarrierReusable(t *testing.T) {
	const size = 4
	const rounds = 10
	g := NewGroup(size)
	counts := make([]int, size)
	err := g.Run(func(c Comm) error {
		for i := 0; i < rounds; i++ {
			counts[c.Rank()]++
			c.Barrier()
			for r := 0; r < size; r++ {
				if counts[r] != i+1 {
					return fmt.Errorf("rank %d after round %d: rank %d count is %d", c.Rank(), i, r, counts[r])
				}
			}
			c.Barrier()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestSendRecvByTag verifies that messages under distinct tags do not mix.
func TestSendRecvByTag(t *testing.T) {
	g := NewGroup(2)
	err := g.Run(func(c Comm) error {
		if c.Rank() == 1 {
			c.Send("beta", Leader, 2)
			c.Send("alpha", Leader, 1)
			return nil
		}
		if got := c.Recv(1, 1).(string); got != "alpha" {
			return fmt.Errorf("expected alpha under tag 1, got %q", got)
		}
		if got := c.Recv(1, 2).(string); got != "beta" {
			return fmt.Errorf("expected beta under tag 2, got %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
