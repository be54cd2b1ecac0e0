package partition

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultVirtualNodes is the number of ring positions per physical node.
// 150 keeps the per-node share within a few percent of even.
const DefaultVirtualNodes = 150

// Ring is a consistent hash ring mapping keys to nodes within a region.
// Adding or removing a node moves only the keys adjacent to its positions.
type Ring struct {
	mu           sync.RWMutex
	virtualNodes int
	ring         map[string]string // hash position -> node
	sortedKeys   []string
	log          *logrus.Entry
}

// NewRing creates a hash ring holding the given nodes
func NewRing(nodes []string, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	r := &Ring{
		virtualNodes: virtualNodes,
		ring:         make(map[string]string),
		log:          logrus.WithField("component", "partitioning"),
	}
	for _, node := range nodes {
		r.AddNode(node)
	}
	return r
}

// hashKey positions a key on the ring. MD5 is used for placement only, not
// security; positions compare as fixed-width hex strings so ordering matches
// the numeric hash.
func hashKey(key string) string {
	sum := md5.Sum([]byte(key))
	return fmt.Sprintf("%032x", new(big.Int).SetBytes(sum[:]))
}

// AddNode inserts a node's virtual positions into the ring
func (r *Ring) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.virtualNodes; i++ {
		pos := hashKey(fmt.Sprintf("%s:%d", node, i))
		r.ring[pos] = node
		idx := sort.SearchStrings(r.sortedKeys, pos)
		r.sortedKeys = append(r.sortedKeys, "")
		copy(r.sortedKeys[idx+1:], r.sortedKeys[idx:])
		r.sortedKeys[idx] = pos
	}
	r.log.WithFields(logrus.Fields{
		"node":          node,
		"virtual_nodes": r.virtualNodes,
	}).Info("Added node to consistent hash ring")
}

// RemoveNode deletes a node's virtual positions from the ring
func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.virtualNodes; i++ {
		pos := hashKey(fmt.Sprintf("%s:%d", node, i))
		if _, ok := r.ring[pos]; !ok {
			continue
		}
		delete(r.ring, pos)
		idx := sort.SearchStrings(r.sortedKeys, pos)
		if idx < len(r.sortedKeys) && r.sortedKeys[idx] == pos {
			r.sortedKeys = append(r.sortedKeys[:idx], r.sortedKeys[idx+1:]...)
		}
	}
	r.log.WithField("node", node).Info("Removed node from consistent hash ring")
}

// GetNode returns the node responsible for a key, or "" on an empty ring.
// Responsibility is the first position clockwise from the key's hash.
func (r *Ring) GetNode(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sortedKeys) == 0 {
		return ""
	}
	pos := hashKey(key)
	idx := sort.Search(len(r.sortedKeys), func(i int) bool {
		return r.sortedKeys[i] > pos
	})
	if idx == len(r.sortedKeys) {
		idx = 0
	}
	return r.ring[r.sortedKeys[idx]]
}

// GetNodesForKey returns up to n distinct nodes for a key, walking clockwise
// from the key's position. Used to pick replica holders within the region.
func (r *Ring) GetNodesForKey(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sortedKeys) == 0 || n <= 0 {
		return nil
	}

	pos := hashKey(key)
	idx := sort.Search(len(r.sortedKeys), func(i int) bool {
		return r.sortedKeys[i] > pos
	})

	nodes := make([]string, 0, n)
	seen := make(map[string]bool)
	for i := 0; i < len(r.sortedKeys); i++ {
		node := r.ring[r.sortedKeys[(idx+i)%len(r.sortedKeys)]]
		if seen[node] {
			continue
		}
		seen[node] = true
		nodes = append(nodes, node)
		if len(nodes) == n {
			break
		}
	}
	return nodes
}

// DistributionStats summarizes ring occupancy per node
type DistributionStats struct {
	TotalVirtualNodes       int            `json:"total_virtual_nodes"`
	PhysicalNodes           int            `json:"physical_nodes"`
	VirtualNodesPerPhysical map[string]int `json:"virtual_nodes_per_physical"`
}

// Stats reports how ring positions are spread across nodes
func (r *Ring) Stats() DistributionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perNode := make(map[string]int)
	for _, node := range r.ring {
		perNode[node]++
	}
	return DistributionStats{
		TotalVirtualNodes:       len(r.ring),
		PhysicalNodes:           len(perNode),
		VirtualNodesPerPhysical: perNode,
	}
}
