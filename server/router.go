package server

import (
	"sync"

	"github.com/kagenode/inc/wire"
)

// Handler answers one METHOD_CALL. It returns the reply payload and a zero
// Code on success, or a non-zero Code (payload ignored) on failure.
type Handler func(conn *Conn, version uint16, args []byte) ([]byte, wire.Code)

// Router is the thin method-name-to-handler registry sitting behind the
// wire-level Connection, supplemented from original_source/'s split
// between the protocol engine and a separate route/dispatch layer
// (SPEC_FULL.md SUPPLEMENTED FEATURES).
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers fn for method name. Re-registering overwrites.
func (r *Router) Handle(name string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Dispatch looks up and invokes the handler for name, translating a
// missing registration into wire.ErrUnknownMethod.
func (r *Router) Dispatch(conn *Conn, name string, version uint16, args []byte) ([]byte, wire.Code) {
	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, wire.ErrUnknownMethod
	}
	return fn(conn, version, args)
}
