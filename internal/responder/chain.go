// Package responder holds the response chain that every candidate message runs
// through, the fuzzy auto-responder and the outbound sender.
package responder

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

// Handler is one response strategy. Handlers run while the worker holds its
// page turn, so a handler must reply through the session's Sender and never
// through the worker's own send methods, which wait for that turn.
type Handler interface {
	Handle(ctx context.Context, msg types.CandidateMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg types.CandidateMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg types.CandidateMessage) error {
	return f(ctx, msg)
}

// HandlerBuilder binds a handler to the sender of one ready session.
type HandlerBuilder func(s *Sender) Handler

// Chain runs handlers in registration order, one at a time.
type Chain struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewChain creates a chain with the given handlers.
func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

// Add appends a handler.
func (c *Chain) Add(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	logging.Responder("adding response handler %s", handlerName(h))
	c.handlers = append(c.handlers, h)
}

// Len returns the number of handlers.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Dispatch awaits every handler. Failures and panics are logged and do not stop
// the chain; they are returned joined.
func (c *Chain) Dispatch(ctx context.Context, msg types.CandidateMessage) error {
	c.mu.RLock()
	hs := append([]Handler(nil), c.handlers...)
	c.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := safeHandle(ctx, h, msg); err != nil {
			logging.ResponderError("handler %s failed on %s: %v", handlerName(h), msg.DataID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeHandle(ctx context.Context, h Handler, msg types.CandidateMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, msg)
}

func handlerName(h Handler) string {
	t := reflect.TypeOf(h)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
