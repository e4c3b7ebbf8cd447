// Package pending implements the correlation-id registry both peers
// use to match an outgoing request to its eventual response, timeout,
// or cancellation.
package pending

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FreePeak/mqtt-mcp-bridge/pkg/mcp"
)

// Default per-method timeouts, spec.md §4.5.
const (
	defaultTimeout = 30 * time.Second
	callTimeout    = 60 * time.Second
	pingTimeout    = 10 * time.Second
)

var longTimeoutMethods = map[string]struct{}{
	"tools/call":             {},
	"sampling/createMessage": {},
	"completion/complete":    {},
}

// TimeoutFor returns the default timeout for method per the table in
// spec.md §4.5.
func TimeoutFor(method string) time.Duration {
	if method == "ping" {
		return pingTimeout
	}
	if _, ok := longTimeoutMethods[method]; ok {
		return callTimeout
	}
	return defaultTimeout
}

// Result is what a pending request resolves to: exactly one of Value
// or Err is set.
type Result struct {
	Value interface{}
	Err   error
}

type entry struct {
	method string
	sent   time.Time
	done   chan Result
	timer  *time.Timer
	once   sync.Once
}

func (e *entry) resolve(r Result) {
	e.once.Do(func() {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.done <- r
		close(e.done)
	})
}

// Registry is a correlation-id → one-shot completion-slot map, grounded
// on the teacher's internal/session.Manager (map + mutex lifecycle) and
// gonzalop/mq's Token (one-shot completion via a channel), extended
// here to also carry a result value and a per-method deadline.
type Registry struct {
	mu      sync.Mutex
	entries map[interface{}]*entry
	nextID  atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[interface{}]*entry)}
}

// NextID returns a fresh correlation id, monotonically increasing
// within this registry's lifetime.
func (r *Registry) NextID() int64 {
	return r.nextID.Add(1)
}

// Send registers a pending request for id/method with the given
// timeout (TimeoutFor(method) if timeout is zero) and returns a
// channel that receives exactly one Result.
func (r *Registry) Send(id interface{}, method string, timeout time.Duration) <-chan Result {
	if timeout == 0 {
		timeout = TimeoutFor(method)
	}

	e := &entry{method: method, sent: time.Now(), done: make(chan Result, 1)}

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		_, stillPending := r.entries[id]
		delete(r.entries, id)
		r.mu.Unlock()
		if stillPending {
			e.resolve(Result{Err: &mcp.RequestTimeout{Method: method, ElapsedMs: time.Since(e.sent).Milliseconds()}})
		}
	})

	return e.done
}

// Complete resolves the pending request for id with a success value.
// It is a no-op if no such request is pending (already timed out,
// already completed, or never sent).
func (r *Registry) Complete(id interface{}, value interface{}) {
	r.finish(id, Result{Value: value})
}

// Fail resolves the pending request for id with an error.
func (r *Registry) Fail(id interface{}, err error) {
	r.finish(id, Result{Err: err})
}

func (r *Registry) finish(id interface{}, result Result) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if ok {
		e.resolve(result)
	}
}

// CancelAll fails every still-pending request with Cancelled and
// clears the registry; used on peer shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[interface{}]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.resolve(Result{Err: &mcp.Cancelled{Method: e.method}})
	}
}

// Len reports how many requests are currently pending.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Await blocks on ch until it resolves or ctx is cancelled, returning
// the eventual value or error.
func Await(ctx context.Context, ch <-chan Result) (interface{}, error) {
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("pending: result channel closed without a value")
		}
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
