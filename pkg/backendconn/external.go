package backendconn

import "context"

// BackendInfo is the resolved descriptor of a backend: where to send
// traffic, what ABI version governs envelope shape, and how many requests
// may be in flight at once. Endpoint is deliberately `any` — the core never
// dials it, it only ever hands it to Transport.SendEnvelope.
type BackendInfo struct {
	Endpoint    any
	ABIVersion  int
	MaxMessages int
}

// BackendInfoResolver asynchronously resolves a backend cookie to its
// BackendInfo. It is an external collaborator: the core only ever calls it
// from Connecting state and never assumes anything about how it discovers
// endpoints (static config, a directory service, DNS, ...).
type BackendInfoResolver interface {
	ResolveBackendInfo(ctx context.Context, cookie string) (BackendInfo, error)
}

// Transport physically hands a TransmittedEntry's request to a backend
// endpoint. It is an external collaborator: the core never serializes a
// request itself, it only decides when one is allowed to go out.
type Transport interface {
	SendEnvelope(ctx context.Context, endpoint any, entry TransmittedEntry) error
}
