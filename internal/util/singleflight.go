package util

import (
	"context"
	"fmt"
	"sync"
)

// Group suppresses duplicate concurrent calls that share a key. Callers
// arriving while a call is in flight wait for it and receive its result.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
	dups int
}

// PanicError carries a panic raised by the shared function to every caller.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("singleflight: panic: %v", p.Value)
}

// Do runs fn once for all concurrent callers with the same key. shared
// reports whether the result was handed to more than one caller. A caller
// whose ctx ends stops waiting; the call itself keeps running for the others.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[T])
	}
	c, ok := g.m[key]
	if ok {
		c.dups++
	} else {
		c = &call[T]{done: make(chan struct{})}
		g.m[key] = c
		// Detached so one caller's cancellation does not fail the rest
		go g.run(context.WithoutCancel(ctx), key, c, fn)
	}
	g.mu.Unlock()

	select {
	case <-c.done:
		g.mu.Lock()
		shared = c.dups > 0
		g.mu.Unlock()
		return c.val, c.err, shared
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err(), false
	}
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], fn func(ctx context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = &PanicError{Value: r}
		}
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn(ctx)
}

// Forget drops the in-flight call for key so the next Do starts a new one.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
