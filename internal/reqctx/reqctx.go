// Package reqctx defines the per-request bag that is threaded explicitly
// through every component of the cache and delivery pipeline, replacing the
// get-current-context facility the original implementation relied on.
package reqctx

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Breadcrumb is a single timestamped event emitted by a component.
type Breadcrumb struct {
	Component string
	Category  string
	Message   string
	ElapsedMs int64
}

// Detacher runs a future to completion independently of the response
// lifetime. It is offered by the host runtime (in this repository, the
// bounded tasks.Pool) and is optional: with a nil Detacher, Context.Detach
// runs fn in a plain goroutine instead.
type Detacher interface {
	Detach(fn func(ctx context.Context))
}

// Context is the request-scoped bag passed by reference through C1-C9. It
// is created at ingress and discarded after the response is handed back.
type Context struct {
	ID     string
	Start  time.Time
	Logger *slog.Logger

	detacher Detacher

	mu          sync.Mutex
	breadcrumbs []Breadcrumb
}

// New creates a Context for an inbound request. detacher may be nil.
func New(id string, logger *slog.Logger, detacher Detacher) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		ID:       id,
		Start:    time.Now(),
		Logger:   logger.With(slog.String("request_id", id)),
		detacher: detacher,
	}
}

// Breadcrumb records a component/category event with elapsed time since the
// request started.
func (c *Context) Breadcrumb(component, category, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breadcrumbs = append(c.breadcrumbs, Breadcrumb{
		Component: component,
		Category:  category,
		Message:   message,
		ElapsedMs: time.Since(c.Start).Milliseconds(),
	})
}

// Breadcrumbs returns a copy of the recorded breadcrumbs, oldest first.
func (c *Context) Breadcrumbs() []Breadcrumb {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Breadcrumb, len(c.breadcrumbs))
	copy(out, c.breadcrumbs)
	return out
}

// Detach runs fn to completion regardless of whether the response has
// already been written. If no detacher was configured, fn still runs in a
// new goroutine detached from the request's context (best effort): the
// request's own context is never reused here since it may already be
// canceled by the time fn runs.
func (c *Context) Detach(fn func(ctx context.Context)) {
	if c.detacher != nil {
		c.detacher.Detach(fn)
		return
	}
	go fn(context.Background())
}

// ElapsedMs returns the time elapsed since the request started, in
// milliseconds. Used to populate the X-Processing-Time-Ms debug header.
func (c *Context) ElapsedMs() int64 {
	return time.Since(c.Start).Milliseconds()
}
