package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzhenzhou/shardconn/pkg/backendconn"
)

// scriptedResolver replays a canned sequence of (info, err) results, one per
// call, holding on the last entry once exhausted.
type scriptedResolver struct {
	calls   int
	results []struct {
		info backendconn.BackendInfo
		err  error
	}
}

func (s *scriptedResolver) ResolveBackendInfo(context.Context, string) (backendconn.BackendInfo, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	r := s.results[idx]
	return r.info, r.err
}

func retryableErr() error {
	return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
}

func TestBackoffResolver_SucceedsAfterTransientFailures(t *testing.T) {
	want := backendconn.BackendInfo{Endpoint: "10.0.0.9:9000"}
	inner := &scriptedResolver{results: []struct {
		info backendconn.BackendInfo
		err  error
	}{
		{err: retryableErr()},
		{err: retryableErr()},
		{info: want, err: nil},
	}}

	r := NewBackoffResolver(inner, 5*time.Second)
	got, err := r.ResolveBackendInfo(context.Background(), "cookie")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 3, inner.calls)
}

func TestBackoffResolver_GivesUpOnPermanentError(t *testing.T) {
	permanent := errors.New("cookie not found")
	inner := &scriptedResolver{results: []struct {
		info backendconn.BackendInfo
		err  error
	}{
		{err: permanent},
	}}

	r := NewBackoffResolver(inner, 5*time.Second)
	_, err := r.ResolveBackendInfo(context.Background(), "cookie")
	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, inner.calls, "a non-retryable error must not be retried")
}

func TestBackoffResolver_RespectsMaxElapsedTime(t *testing.T) {
	inner := &scriptedResolver{results: []struct {
		info backendconn.BackendInfo
		err  error
	}{
		{err: retryableErr()},
	}}

	r := NewBackoffResolver(inner, time.Second)
	start := time.Now()
	_, err := r.ResolveBackendInfo(context.Background(), "cookie")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Greater(t, inner.calls, 1, "a permanently retryable error should be retried at least once before giving up")
	assert.Less(t, elapsed, 2*time.Second, "max elapsed time must bound total retry duration")
}

func TestBackoffResolver_DefaultsMaxElapsedTimeWhenNonPositive(t *testing.T) {
	r := NewBackoffResolver(&scriptedResolver{results: []struct {
		info backendconn.BackendInfo
		err  error
	}{{info: backendconn.BackendInfo{}, err: nil}}}, 0)
	assert.Equal(t, backendconn.BackendAliveTimeout, r.maxElapsedTime)
}
