package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/syncwire/go-sync-engine/pkg/optimistic"
	"github.com/syncwire/go-sync-engine/pkg/wire"
)

// MutationOpts configures one mutation call.
type MutationOpts struct {
	// Transform applies the mutation's effect locally while the request
	// is in flight. With neither Transform nor OptimisticKey set, no
	// optimistic layer is applied.
	Transform optimistic.TransformFunc
	// OptimisticKey names the transformation for serialization.
	OptimisticKey string
	// DependsOn links the optimistic update to a parent update.
	DependsOn string
	// RevertOnError keeps a failing transformation of the optimistic
	// update from propagating out of the engine's Data; the update is
	// skipped in the layered view but not reverted.
	RevertOnError bool
}

func defaultRequestBackOff() backoff.BackOff {
	// The server can transiently fail a valid request under load. Retry
	// up to 4 times after roughly 1, 3, 9 and 27 seconds.
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 1 * time.Second
	exponentialBackoff.Multiplier = 3
	return backoff.WithMaxRetries(exponentialBackoff, 4)
}

// Mutation issues a mutation and blocks until its result arrives. With
// a Transform set, the effect is layered locally first and confirmed or
// reverted by the server result.
func (c *Client) Mutation(ctx context.Context, name string, args interface{}, opts MutationOpts) (interface{}, error) {
	var optimisticID string
	if opts.Transform != nil || opts.OptimisticKey != "" {
		id, err := c.engine.Apply(name, args, opts.Transform, optimistic.ApplyOpts{
			Key:           opts.OptimisticKey,
			DependsOn:     opts.DependsOn,
			RevertOnError: opts.RevertOnError,
		})
		if err != nil {
			return nil, err
		}
		optimisticID = id
		c.engine.MarkInFlight(id)
	}

	result, err := c.request(ctx, func(requestID string) wire.Message {
		return wire.Mutation{RequestID: requestID, Mutation: name, Args: args}
	})
	if err != nil {
		if optimisticID != "" {
			c.engine.Revert(optimisticID, err)
		}
		return nil, err
	}

	mr, ok := result.(wire.MutationResult)
	if !ok {
		err := errors.New("unexpected result type for mutation")
		if optimisticID != "" {
			c.engine.Revert(optimisticID, err)
		}
		return nil, err
	}
	if !mr.Success {
		err := &ServerError{RequestID: mr.RequestID, Message: mr.Error, Data: mr.ErrorData}
		if optimisticID != "" {
			c.engine.Revert(optimisticID, err)
		}
		return nil, err
	}
	if optimisticID != "" {
		c.engine.Confirm(optimisticID, mr.Value)
	}
	return mr.Value, nil
}

// Action issues an action and blocks until its result arrives. Actions
// never layer optimistically.
func (c *Client) Action(ctx context.Context, name string, args interface{}) (interface{}, error) {
	result, err := c.request(ctx, func(requestID string) wire.Message {
		return wire.Action{RequestID: requestID, Action: name, Args: args}
	})
	if err != nil {
		return nil, err
	}
	ar, ok := result.(wire.ActionResult)
	if !ok {
		return nil, errors.New("unexpected result type for action")
	}
	if !ar.Success {
		return nil, &ServerError{RequestID: ar.RequestID, Message: ar.Error, Data: ar.ErrorData}
	}
	return ar.Value, nil
}

// request performs one correlated round trip, retrying transient server
// errors with exponential backoff.
func (c *Client) request(ctx context.Context, build func(requestID string) wire.Message) (wire.Message, error) {
	var result wire.Message
	operation := func() error {
		res, err := c.roundTrip(ctx, build)
		if err != nil {
			return backoff.Permanent(err)
		}
		if errMsg, ok := res.(wire.Error); ok {
			serverErr := &ServerError{
				RequestID: errMsg.RequestID,
				Code:      errMsg.ErrorCode,
				Message:   errMsg.Error,
				Data:      errMsg.ErrorData,
			}
			if serverErr.Transient() {
				return serverErr
			}
			return backoff.Permanent(serverErr)
		}
		result = res
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(defaultRequestBackOff(), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// roundTrip registers a pending request, sends it, and waits for the
// correlated response.
func (c *Client) roundTrip(ctx context.Context, build func(requestID string) wire.Message) (wire.Message, error) {
	requestID := c.nextRequestID()
	ch := make(chan wire.Message, 1)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrClientDisposed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(build(requestID)); err != nil {
		return nil, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolvePending completes a correlated request, if one is waiting.
func (c *Client) resolvePending(requestID string, msg wire.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}
