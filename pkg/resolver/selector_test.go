package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomReplicaSelector_EmptyAndSingleton(t *testing.T) {
	s := NewRandomReplicaSelector()
	assert.Equal(t, "", s.Select("cookie", nil))
	assert.Equal(t, "r1", s.Select("cookie", []string{"r1"}))
}

func TestRandomReplicaSelector_AlwaysPicksAMember(t *testing.T) {
	s := NewRandomReplicaSelector()
	members := []string{"r1", "r2", "r3"}
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		choice := s.Select("cookie", members)
		assert.Contains(t, members, choice)
		seen[choice] = true
	}
	assert.Len(t, seen, 3, "expected to see all three replicas over enough draws")
}

func TestConsistentReplicaSelector_StableForSameMembership(t *testing.T) {
	s := NewConsistentReplicaSelector()
	members := []string{"r1", "r2", "r3", "r4"}

	first := s.Select("cookie-a", members)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, s.Select("cookie-a", members), "same cookie and membership must land on the same replica")
	}
	assert.Contains(t, members, first)
}

func TestConsistentReplicaSelector_EmptyAndSingleton(t *testing.T) {
	s := NewConsistentReplicaSelector()
	assert.Equal(t, "", s.Select("cookie", nil))
	assert.Equal(t, "only", s.Select("cookie", []string{"only"}))
}

func TestConsistentReplicaSelector_DistributesAcrossCookies(t *testing.T) {
	s := NewConsistentReplicaSelector()
	members := []string{"r1", "r2", "r3", "r4", "r5"}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		cookie := string(rune('a' + i%26))
		seen[s.Select(cookie, members)] = true
	}
	assert.Greater(t, len(seen), 1, "distinct cookies should spread across more than one replica")
}
