package resolver

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pzhenzhou/shardconn/pkg/backendconn"
	"github.com/pzhenzhou/shardconn/pkg/common"
)

// BackoffResolver wraps another BackendInfoResolver and retries resolution
// failures with an exponential backoff, capped by a max elapsed time.
// Adapted from backend_pool.go's testConn/dialConn retry-on-dial-failure
// pattern. This is what backs the core state machine's "Resolution fails /
// timer tier hit -> restart resolution with backoff" transition in a real
// deployment: Connection itself just calls ResolveBackendInfo again
// immediately on error, so the pacing has to live here.
type BackoffResolver struct {
	inner          backendconn.BackendInfoResolver
	maxElapsedTime time.Duration
}

var _ backendconn.BackendInfoResolver = (*BackoffResolver)(nil)

func NewBackoffResolver(inner backendconn.BackendInfoResolver, maxElapsedTime time.Duration) *BackoffResolver {
	if maxElapsedTime <= 0 {
		maxElapsedTime = backendconn.BackendAliveTimeout
	}
	return &BackoffResolver{inner: inner, maxElapsedTime: maxElapsedTime}
}

func (r *BackoffResolver) ResolveBackendInfo(ctx context.Context, cookie string) (backendconn.BackendInfo, error) {
	return backoff.Retry[backendconn.BackendInfo](ctx, func() (backendconn.BackendInfo, error) {
		info, err := r.inner.ResolveBackendInfo(ctx, cookie)
		if err == nil {
			return info, nil
		}
		if !common.IsRetryableResolveError(err) {
			return backendconn.BackendInfo{}, backoff.Permanent(err)
		}
		return backendconn.BackendInfo{}, err
	}, backoff.WithMaxElapsedTime(r.maxElapsedTime))
}
