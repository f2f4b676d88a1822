package usage

import (
	"context"
	"sync"
)

type requestKey struct{}

// Request tracks the features checked during one logical request.
type Request struct {
	identifier string

	mu      sync.Mutex
	checked map[string]struct{}
}

// WithRequest returns a context carrying a fresh request tracker. identifier
// names the caller (user id, client address) for unique counts and may be
// empty.
func WithRequest(ctx context.Context, identifier string) context.Context {
	return context.WithValue(ctx, requestKey{}, &Request{identifier: identifier})
}

// FromContext returns the request tracker carried by ctx, if any.
func FromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok && req != nil
}

// Identifier returns the context identifier of the request.
func (r *Request) Identifier() string {
	return r.identifier
}

// firstCheck reports whether key is checked for the first time in r.
func (r *Request) firstCheck(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checked == nil {
		r.checked = make(map[string]struct{})
	}
	if _, ok := r.checked[key]; ok {
		return false
	}
	r.checked[key] = struct{}{}
	return true
}
