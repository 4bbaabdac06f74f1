// Package router dispatches decoded message envelopes to per-kind handlers
// registered by a role (coordinator or participant), replacing a
// string-keyed handler map with a typed switch over message.Kind (REDESIGN
// FLAG #2).
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btc1-tools/musig2-beacon/internal/message"
)

// ErrNoHandler is returned when no handler is registered for a message's
// kind. Per §7 this is logged and the message dropped; it never panics and
// never advances any state machine.
var ErrNoHandler = errors.New("router: no handler registered for message kind")

// PeerContext is an opaque, per-remote-peer scratchpad threaded through to
// every handler call. The core does not read or write it; it exists for
// interface parity with the original's contact_context parameter (§9) and
// as a home for role-specific per-peer bookkeeping a handler wants to keep
// across calls (e.g. last-seen timestamps).
type PeerContext struct {
	PeerID string

	mu     sync.Mutex
	values map[string]any
}

// NewPeerContext creates an empty scratchpad for peerID.
func NewPeerContext(peerID string) *PeerContext {
	return &PeerContext{PeerID: peerID, values: make(map[string]any)}
}

// Get returns a previously-stored value and whether it was present.
func (p *PeerContext) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok
}

// Set stores a value under key.
func (p *PeerContext) Set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// ThreadContext is the analogous per-thread (ThreadID-correlated)
// scratchpad, mirroring the original's thread_context parameter.
type ThreadContext struct {
	ThreadID string

	mu     sync.Mutex
	values map[string]any
}

// NewThreadContext creates an empty scratchpad for threadID.
func NewThreadContext(threadID string) *ThreadContext {
	return &ThreadContext{ThreadID: threadID, values: make(map[string]any)}
}

// Get returns a previously-stored value and whether it was present.
func (t *ThreadContext) Get(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	return v, ok
}

// Set stores a value under key.
func (t *ThreadContext) Set(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[key] = value
}

// Handler processes one decoded envelope. peer is the scratchpad for
// msg.From; thread is the scratchpad for msg.ThreadID (nil if the envelope
// carries no thread id).
type Handler func(msg *message.Envelope, peer *PeerContext, thread *ThreadContext) error

// Router holds a role's full set of message-kind handlers and the live peer
// and thread scratchpads.
type Router struct {
	mu       sync.Mutex
	handlers map[message.Kind]Handler
	peers    map[string]*PeerContext
	threads  map[string]*ThreadContext
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		handlers: make(map[message.Kind]Handler),
		peers:    make(map[string]*PeerContext),
		threads:  make(map[string]*ThreadContext),
	}
}

// Register installs the handler for kind, overwriting any previous
// registration. A role calls this once per message kind it understands
// during construction.
func (r *Router) Register(kind message.Kind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// peerContext returns the scratchpad for peerID, creating it on first use.
func (r *Router) peerContext(peerID string) *PeerContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.peers[peerID]
	if !ok {
		ctx = NewPeerContext(peerID)
		r.peers[peerID] = ctx
	}
	return ctx
}

// threadContext returns the scratchpad for threadID, creating it on first
// use. Returns nil for an empty threadID.
func (r *Router) threadContext(threadID string) *ThreadContext {
	if threadID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.threads[threadID]
	if !ok {
		ctx = NewThreadContext(threadID)
		r.threads[threadID] = ctx
	}
	return ctx
}

// Dispatch decodes a raw wire envelope and routes it to the handler
// registered for its kind. A decode failure or a missing handler is
// returned to the caller (expected to log and drop, per §7) rather than
// panicking.
func (r *Router) Dispatch(raw []byte) error {
	env, err := message.Decode(raw)
	if err != nil {
		return err
	}
	return r.DispatchEnvelope(env)
}

// DispatchEnvelope routes an already-decoded envelope, looking up or
// creating its peer and thread scratchpads.
func (r *Router) DispatchEnvelope(env *message.Envelope) error {
	r.mu.Lock()
	handler, ok := r.handlers[env.Type]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, env.Type)
	}

	peer := r.peerContext(env.From)
	thread := r.threadContext(env.ThreadID)
	return handler(env, peer, thread)
}
