// Package mst selects the most reliable subset of interferogram connections
// per pixel with a minimum spanning tree over the epoch graph. Edges are
// interferograms weighted by their no-data fraction, so the tree prefers the
// cleanest connections between acquisition dates.
package mst

import (
	"fmt"
	"math"
	"sort"

	"insarrate/internal/models"
	"insarrate/pkg/insar"
)

// Selection computes the spanning-tree membership of each interferogram in
// the stack, considering only the interferograms flagged usable. Membership
// follows Kruskal's algorithm: interferograms are visited in order of
// increasing no-data fraction and kept when they connect two epoch
// components not yet joined.
func Selection(ifgs []models.PrereadIfg, usable []bool) []bool {
	type edge struct {
		index  int
		weight float64
	}

	dates := make([]int64, 0, 2*len(ifgs))
	for _, ifg := range ifgs {
		dates = append(dates, ifg.Master.Unix(), ifg.Slave.Unix())
	}
	ids := make(map[int64]int)
	for _, d := range dates {
		if _, ok := ids[d]; !ok {
			ids[d] = len(ids)
		}
	}

	edges := make([]edge, 0, len(ifgs))
	for i, ifg := range ifgs {
		if usable == nil || usable[i] {
			edges = append(edges, edge{index: i, weight: ifg.NanFraction})
		}
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })

	uf := newUnionFind(len(ids))
	selected := make([]bool, len(ifgs))
	for _, e := range edges {
		ifg := ifgs[e.index]
		if uf.union(ids[ifg.Master.Unix()], ids[ifg.Slave.Unix()]) {
			selected[e.index] = true
		}
	}
	return selected
}

// TileMatrix computes the per-pixel spanning-tree selection matrix for one
// tile, shaped (nifgs, tile cells) with 1.0 marking selected connections.
// Pixels where every interferogram is valid reuse the stack-wide tree;
// pixels with missing observations get a tree recomputed over the valid
// subset only.
func TileMatrix(tile models.Tile, ifgPaths []string, reg *insar.Registry, workdir string) ([]float64, error) {
	ifgs := reg.SortedIfgs()
	if len(ifgs) != len(ifgPaths) {
		return nil, fmt.Errorf("registry has %d interferograms, want %d", len(ifgs), len(ifgPaths))
	}

	views := make([]*insar.TileView, len(ifgPaths))
	for i, p := range ifgPaths {
		v, err := insar.NewTileView(workdir, p, tile, reg)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}

	nifgs := len(ifgs)
	cells := tile.Rows() * tile.Cols()
	out := make([]float64, nifgs*cells)

	defaultSel := Selection(ifgs, nil)
	memo := map[string][]bool{}

	mask := make([]bool, nifgs)
	key := make([]byte, nifgs)
	for c := 0; c < cells; c++ {
		allValid := true
		for i, v := range views {
			valid := !math.IsNaN(v.Phase[c])
			mask[i] = valid
			if valid {
				key[i] = '1'
			} else {
				key[i] = '0'
				allValid = false
			}
		}

		var sel []bool
		if allValid {
			sel = defaultSel
		} else {
			k := string(key)
			cached, ok := memo[k]
			if !ok {
				usable := make([]bool, nifgs)
				copy(usable, mask)
				cached = Selection(ifgs, usable)
				memo[k] = cached
			}
			sel = cached
		}

		for i := 0; i < nifgs; i++ {
			if sel[i] && mask[i] {
				out[i*cells+c] = 1.0
			}
		}
	}
	return out, nil
}

// unionFind is a path-compressing disjoint set over epoch ids.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

// union joins the components of a and b, reporting whether they were
// previously disjoint.
func (uf *unionFind) union(a, b int) bool {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return false
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
	return true
}
