// Package hashring places (tenant, key) pairs on data reader nodes by
// consistent hashing, so retrieves of one key keep landing on the same
// reader and adding a reader moves only its share of keys.
package hashring

import (
	"encoding/binary"
	"sort"
	"strconv"

	xx "github.com/cespare/xxhash/v2"
)

// Node is a data reader addressed by the routing header it binds on the
// bus.
type Node struct{ ID, RoutingHeader string }

// Ring is immutable once built and safe for concurrent use.
type Ring struct {
	nodes  []Node
	points []uint64 // sorted
	owner  []int    // owner[i] indexes nodes for points[i]
}

// New builds a ring with replicas virtual points per node. Nodes with a
// repeated ID are placed once.
func New(nodes []Node, replicas int) *Ring {
	if replicas <= 0 {
		replicas = 1
	}
	r := &Ring{}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		r.nodes = append(r.nodes, n)
	}

	type point struct {
		hash  uint64
		owner int
	}
	pts := make([]point, 0, len(r.nodes)*replicas)
	for idx, n := range r.nodes {
		for v := 0; v < replicas; v++ {
			pts = append(pts, point{xx.Sum64String(n.ID + "#" + strconv.Itoa(v)), idx})
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].hash < pts[j].hash })
	r.points = make([]uint64, len(pts))
	r.owner = make([]int, len(pts))
	for i, p := range pts {
		r.points[i], r.owner[i] = p.hash, p.owner
	}
	return r
}

// Len is the number of distinct nodes on the ring.
func (r *Ring) Len() int { return len(r.nodes) }

func placement(tenant int64, key string) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(tenant))
	d := xx.New()
	_, _ = d.Write(b[:])
	_, _ = d.WriteString(key)
	return d.Sum64()
}

// Locate returns the reader that owns key for tenant.
func (r *Ring) Locate(tenant int64, key string) (Node, bool) {
	c := r.Candidates(tenant, key, 1)
	if len(c) == 0 {
		return Node{}, false
	}
	return c[0], true
}

// Candidates returns up to n distinct readers in ring order, the owner
// first, for callers that fail over to the next reader.
func (r *Ring) Candidates(tenant int64, key string, n int) []Node {
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	n = min(n, len(r.nodes))
	h := placement(tenant, key)
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })

	out := make([]Node, 0, n)
	taken := make([]bool, len(r.nodes))
	for i := 0; len(out) < n; i++ {
		o := r.owner[(start+i)%len(r.points)]
		if !taken[o] {
			taken[o] = true
			out = append(out, r.nodes[o])
		}
	}
	return out
}
