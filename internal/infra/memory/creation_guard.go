package memory

import (
	"context"
	"sync"
)

// CreationGuard is an in-process implementation of app.CreationGuard.
// It only serialises requests handled by this process.
type CreationGuard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch      chan struct{}
	waiters int
}

func NewCreationGuard() *CreationGuard {
	return &CreationGuard{locks: make(map[string]*keyLock)}
}

func (g *CreationGuard) Lock(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		g.locks[key] = l
	}
	l.waiters++
	g.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		g.release(key, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.release(key, l, true) })
	}, nil
}

func (g *CreationGuard) release(key string, l *keyLock, held bool) {
	if held {
		<-l.ch
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l.waiters--
	if l.waiters == 0 {
		delete(g.locks, key)
	}
}

// Held reports whether key currently has holders or waiters.
func (g *CreationGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.locks[key]
	return ok
}
