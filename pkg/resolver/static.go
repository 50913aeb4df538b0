package resolver

import (
	"context"

	"github.com/pzhenzhou/shardconn/pkg/backendconn"
)

// StaticResolver resolves every cookie to the same fixed BackendInfo.
// Adapted from be_cluster's single-cluster LocalClusterInstance path: no
// membership, no balancing, just one endpoint.
type StaticResolver struct {
	info backendconn.BackendInfo
}

var _ backendconn.BackendInfoResolver = (*StaticResolver)(nil)

func NewStaticResolver(info backendconn.BackendInfo) *StaticResolver {
	return &StaticResolver{info: info}
}

func (r *StaticResolver) ResolveBackendInfo(_ context.Context, _ string) (backendconn.BackendInfo, error) {
	return r.info, nil
}
