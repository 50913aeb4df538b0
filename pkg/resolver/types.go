// Package resolver provides reference BackendInfoResolver implementations:
// a fixed single-backend resolver, a watchable multi-replica resolver with
// pluggable replica selection, and a retry decorator. None of this is a
// directory service — it is scaffolding for exercising
// backendconn.BackendInfoResolver against something other than a hand-rolled
// test double.
package resolver

import "github.com/pzhenzhou/shardconn/pkg/backendconn"

// Update is a membership change fed into a WatchingResolver: ReplicaID
// joining or leaving cookie's replica set, or updating its BackendInfo in
// place (e.g. a MaxMessages change after a backend resize).
type Update struct {
	Cookie    string
	ReplicaID string
	Info      backendconn.BackendInfo
	Removed   bool
}
