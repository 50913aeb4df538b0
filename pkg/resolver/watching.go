package resolver

import (
	"context"
	"errors"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/pzhenzhou/shardconn/pkg/backendconn"
)

var ErrNoReplicas = errors.New("resolver: cookie has no live replicas")

// WatchingResolver tracks a live cookie -> replica-id -> BackendInfo
// membership, fed by Apply (normally driven off a Notify() chan Update
// somewhere upstream), and delegates to a ReplicaSelector when a cookie has
// more than one candidate. Adapted from be_cluster's ClusterRegistry +
// SyncRouter pair, collapsed into one type since this core has no separate
// "registry" vs "router" split.
type WatchingResolver struct {
	replicas *xsync.MapOf[string, *xsync.MapOf[string, backendconn.BackendInfo]]
	selector ReplicaSelector
	notify   chan Update
}

var _ backendconn.BackendInfoResolver = (*WatchingResolver)(nil)

func NewWatchingResolver(selector ReplicaSelector) *WatchingResolver {
	if selector == nil {
		selector = NewRandomReplicaSelector()
	}
	return &WatchingResolver{
		replicas: xsync.NewMapOf[string, *xsync.MapOf[string, backendconn.BackendInfo]](),
		selector: selector,
		notify:   make(chan Update, 1024),
	}
}

// Notify exposes every Apply call as a stream, so a diagnostics view or log
// sink can observe membership churn without polling.
func (r *WatchingResolver) Notify() chan Update {
	return r.notify
}

// Apply folds one membership update into the live set. Safe for concurrent
// use; typically driven from whatever directory-service watch loop an
// integration supplies.
func (r *WatchingResolver) Apply(update Update) {
	set, _ := r.replicas.LoadOrCompute(update.Cookie, func() *xsync.MapOf[string, backendconn.BackendInfo] {
		return xsync.NewMapOf[string, backendconn.BackendInfo]()
	})
	if update.Removed {
		set.Delete(update.ReplicaID)
	} else {
		set.Store(update.ReplicaID, update.Info)
	}
	select {
	case r.notify <- update:
	default:
	}
}

func (r *WatchingResolver) ResolveBackendInfo(_ context.Context, cookie string) (backendconn.BackendInfo, error) {
	set, ok := r.replicas.Load(cookie)
	if !ok {
		return backendconn.BackendInfo{}, ErrNoReplicas
	}
	ids := make([]string, 0)
	set.Range(func(id string, _ backendconn.BackendInfo) bool {
		ids = append(ids, id)
		return true
	})
	if len(ids) == 0 {
		return backendconn.BackendInfo{}, ErrNoReplicas
	}
	chosen := r.selector.Select(cookie, ids)
	info, ok := set.Load(chosen)
	if !ok {
		return backendconn.BackendInfo{}, ErrNoReplicas
	}
	return info, nil
}
