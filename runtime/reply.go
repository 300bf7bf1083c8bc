package runtime

import (
	"sync/atomic"

	"github.com/pithecene-io/stepwise/types"
)

// Reply paths.
const (
	PathMain     = "main"
	PathFallback = "fallback"
)

// Reply is the single-resolution completion signal of one step.
//
// The primary completion path and the async error fallback both race to
// resolve it. Exactly one wins; only the winner builds the observation.
type Reply struct {
	resolved atomic.Bool
	done     chan struct{}

	// Written by the winner before done is closed.
	obs  *types.Observation
	err  error
	path string
}

// NewReply creates an unresolved reply.
func NewReply() *Reply {
	return &Reply{done: make(chan struct{})}
}

// Resolve builds and stores the response if the reply is unresolved.
// Returns true for the single caller that won.
func (r *Reply) Resolve(path string, build func() (*types.Observation, error)) bool {
	if !r.resolved.CompareAndSwap(false, true) {
		return false
	}
	r.obs, r.err = build()
	r.path = path
	close(r.done)
	return true
}

// Resolved returns true once a path has claimed the reply. The result may
// still be building; use Done to wait for it.
func (r *Reply) Resolved() bool {
	return r.resolved.Load()
}

// Done is closed once the response is available.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

// Result returns the response. Only valid after Done is closed.
func (r *Reply) Result() (*types.Observation, error) {
	return r.obs, r.err
}

// Path returns the path that resolved the reply. Only valid after Done is
// closed.
func (r *Reply) Path() string {
	return r.path
}
