package dispatch

import (
	"context"
	"sync"
)

// Lifetime is the process-wide cancellation token for background work tied
// to one host session. Reset cancels the current token and issues a new one.
type Lifetime struct {
	mu         sync.RWMutex
	parent     context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	generation uint64
}

func NewLifetime(parent context.Context) *Lifetime {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Lifetime{parent: parent, ctx: ctx, cancel: cancel, generation: 1}
}

func (l *Lifetime) Context() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ctx
}

func (l *Lifetime) Done() <-chan struct{} {
	return l.Context().Done()
}

func (l *Lifetime) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}

// Reset cancels the current session and returns the new session context.
func (l *Lifetime) Reset() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel()
	l.ctx, l.cancel = context.WithCancel(l.parent)
	l.generation++
	return l.ctx
}

// Stop cancels the current session without issuing a new one.
func (l *Lifetime) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel()
}
