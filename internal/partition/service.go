package partition

import (
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// defaultNodes stands in when no replica set members are configured
var defaultNodes = []string{"primary", "secondary1", "secondary2"}

// Service assigns documents to nodes within the region. Geographic
// placement picks the region; the hash ring sub-partitions inside it, keyed
// by user so one user's data stays together.
type Service struct {
	nodes []string
	ring  *Ring
	log   *logrus.Entry
}

// NewService creates a partitioning service over the given replica set
// members. An empty list falls back to a placeholder three-node layout.
func NewService(replicaSetMembers []string) *Service {
	nodes := replicaSetMembers
	if len(nodes) == 0 {
		nodes = append([]string(nil), defaultNodes...)
	}
	s := &Service{
		nodes: nodes,
		ring:  NewRing(nodes, DefaultVirtualNodes),
		log:   logrus.WithField("component", "partitioning"),
	}
	s.log.WithField("nodes", nodes).Info("Initialized partitioning service")
	return s
}

// NodeForUser returns the node that owns a user's data
func (s *Service) NodeForUser(userID string) string {
	return s.ring.GetNode(userID)
}

// ReplicaNodesForUser returns the nodes a user's data replicates to
func (s *Service) ReplicaNodesForUser(userID string, numReplicas int) []string {
	return s.ring.GetNodesForKey(userID, numReplicas)
}

// PartitionKey extracts a document's partition key: user_id, falling back
// to the document id. Returns "" when neither is present.
func (s *Service) PartitionKey(doc bson.M) string {
	if userID, ok := doc["user_id"].(string); ok && userID != "" {
		return userID
	}
	if id, ok := doc["_id"].(string); ok && id != "" {
		return id
	}
	s.log.Warn("No partition key found in document")
	return ""
}

// ShouldRouteToNode reports whether a document belongs on the target node.
// Documents with no partition key are visible from every node.
func (s *Service) ShouldRouteToNode(doc bson.M, targetNode string) bool {
	key := s.PartitionKey(doc)
	if key == "" {
		return true
	}
	return s.ring.GetNode(key) == targetNode
}

// Report describes the partitioning layout for the status endpoint
type Report struct {
	PartitioningStrategy string            `json:"partitioning_strategy"`
	PartitionKey         string            `json:"partition_key"`
	Nodes                []string          `json:"nodes"`
	Distribution         DistributionStats `json:"distribution"`
}

// DistributionReport summarizes the ring layout
func (s *Service) DistributionReport() Report {
	return Report{
		PartitioningStrategy: "consistent_hashing",
		PartitionKey:         "user_id",
		Nodes:                s.nodes,
		Distribution:         s.ring.Stats(),
	}
}

// Rebalance swaps the node set, moving only the ring positions of nodes
// that actually changed.
func (s *Service) Rebalance(newNodes []string) {
	current := make(map[string]bool, len(s.nodes))
	for _, node := range s.nodes {
		current[node] = true
	}
	next := make(map[string]bool, len(newNodes))
	for _, node := range newNodes {
		next[node] = true
	}

	for node := range current {
		if !next[node] {
			s.ring.RemoveNode(node)
		}
	}
	for node := range next {
		if !current[node] {
			s.ring.AddNode(node)
		}
	}

	s.nodes = append([]string(nil), newNodes...)
	s.log.WithField("nodes", s.nodes).Info("Rebalanced hash ring")
}
