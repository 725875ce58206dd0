package shutdown

import (
	"context"
	"io"
	"net/http"
)

// HTTPServerComponent drains an http.Server.
type HTTPServerComponent struct {
	name   string
	server *http.Server
}

// NewHTTPServerComponent wraps an HTTP server for teardown.
func NewHTTPServerComponent(name string, server *http.Server) *HTTPServerComponent {
	return &HTTPServerComponent{name: name, server: server}
}

// Name returns the component name.
func (c *HTTPServerComponent) Name() string { return c.name }

// Shutdown stops accepting connections and waits for in-flight requests.
func (c *HTTPServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent wraps an io.Closer.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent wraps a closer for teardown.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

// Name returns the component name.
func (c *CloserComponent) Name() string { return c.name }

// Shutdown closes the resource.
func (c *CloserComponent) Shutdown(_ context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a shutdown function.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent wraps a function for teardown.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string { return c.name }

// Shutdown invokes the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}
