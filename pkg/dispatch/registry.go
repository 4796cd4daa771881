// Package dispatch routes decoded wire messages to registered handlers
// by message kind.
package dispatch

import (
	"context"
	"fmt"

	"github.com/syncwire/go-sync-engine/pkg/wire"
)

// Kind identifies the message family a handler consumes.
type Kind string

// Handler consumes one decoded message.
type Handler func(ctx context.Context, msg wire.Message) error

// HandlerError reports a handler failure for a message kind.
type HandlerError struct {
	Kind Kind  `json:"kind"`
	Err  error `json:"error"`
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling %s failed: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Registry holds the handler for each message kind. The zero value is
// ready to use.
type Registry struct {
	handlers map[Kind]Handler
}

// Register adds a handler for a kind. Empty kinds, nil handlers and
// duplicate registrations are errors.
func (r *Registry) Register(kind Kind, h Handler) error {
	if kind == "" {
		return fmt.Errorf("kind cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", kind)
	}
	if r.handlers == nil {
		r.handlers = map[Kind]Handler{}
	}
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("handler for %s already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(kind Kind, h Handler) {
	if err := r.Register(kind, h); err != nil {
		panic(err)
	}
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind Kind) (Handler, error) {
	if kind == "" {
		return nil, fmt.Errorf("kind cannot be empty")
	}
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", kind)
	}
	return h, nil
}

// Do routes one message to its handler.
func (r *Registry) Do(ctx context.Context, msg wire.Message) error {
	kind := Kind(msg.Type())
	h, err := r.Get(kind)
	if err != nil {
		return err
	}
	if err := h(ctx, msg); err != nil {
		return &HandlerError{Kind: kind, Err: err}
	}
	return nil
}
