package resolver

import (
	"math/rand"
	"time"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
)

// ReplicaSelector picks one of a cookie's live replica IDs. Adapted from
// be_cluster/load_balance.go's Balancer interface, renamed around replica
// selection rather than whole-cluster balancing.
type ReplicaSelector interface {
	Select(cookie string, replicaIDs []string) string
}

var _ ReplicaSelector = (*RandomReplicaSelector)(nil)

// RandomReplicaSelector picks a uniformly random replica on every call.
// Adapted from load_balance.go's RandomBalancer.
type RandomReplicaSelector struct {
	random *rand.Rand
}

func NewRandomReplicaSelector() *RandomReplicaSelector {
	return &RandomReplicaSelector{
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *RandomReplicaSelector) Select(_ string, replicaIDs []string) string {
	if len(replicaIDs) == 0 {
		return ""
	}
	if len(replicaIDs) == 1 {
		return replicaIDs[0]
	}
	return replicaIDs[r.random.Intn(len(replicaIDs))]
}

var _ ReplicaSelector = (*ConsistentReplicaSelector)(nil)

// ConsistentReplicaSelector hashes cookie onto a consistent-hashing ring of
// the live replica IDs, so repeated resolutions of the same backend land on
// the same replica until membership actually changes. Adapted from
// fixed_pool.go's consistent.Consistent + cespare/xxhash wiring.
type ConsistentReplicaSelector struct {
	cfg consistent.Config
}

type replicaMember string

func (m replicaMember) String() string { return string(m) }

type replicaHasher struct{}

func (replicaHasher) Sum64(key []byte) uint64 { return xxhash.Sum64(key) }

func NewConsistentReplicaSelector() *ConsistentReplicaSelector {
	return &ConsistentReplicaSelector{
		cfg: consistent.Config{
			PartitionCount:    271,
			ReplicationFactor: 20,
			Load:              1.25,
			Hasher:            replicaHasher{},
		},
	}
}

func (s *ConsistentReplicaSelector) Select(cookie string, replicaIDs []string) string {
	if len(replicaIDs) == 0 {
		return ""
	}
	if len(replicaIDs) == 1 {
		return replicaIDs[0]
	}
	members := lo.Map(replicaIDs, func(id string, _ int) consistent.Member {
		return replicaMember(id)
	})
	ring := consistent.New(members, s.cfg)
	return ring.LocateKey([]byte(cookie)).String()
}
