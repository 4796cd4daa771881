// Package subscription tracks reactive query subscriptions: lifecycle,
// reference-counted deduplication and callback fan-out.
package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncwire/go-sync-engine/pkg/codec"
)

// State is the lifecycle state of a subscription.
type State string

const (
	// Pending is the state before the first data arrives.
	Pending = State("pending")
	// Active is the state of a subscription with live data.
	Active = State("active")
	// Errored is the state after a subscription error; recoverable.
	Errored = State("error")
	// Closed is terminal. A closed subscription receives no further
	// updates or callbacks.
	Closed = State("closed")
)

// Callback receives subscription data updates.
type Callback func(data interface{})

// ErrorCallback receives per-subscription errors.
type ErrorCallback func(err error)

// Subscription is a tracked query subscription. Instances are owned by
// the Registry; the application addresses them by ID through registry
// methods.
type Subscription struct {
	ID        string
	Query     string
	Args      interface{}
	Hash      string
	State     State
	Data      interface{}
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
	History   []interface{}

	callback            Callback
	errCallback         ErrorCallback
	skipInitialCallback bool
	initialSkipped      bool
}

// copy returns a snapshot safe to hand to callers.
func (s *Subscription) copy() *Subscription {
	dup := *s
	if s.History != nil {
		dup.History = make([]interface{}, len(s.History))
		copy(dup.History, s.History)
	}
	return &dup
}

// QueryHash digests a (query, args) pair into the identity used for
// subscription deduplication. Equal digests share one upstream
// subscription.
func QueryHash(query string, args interface{}) (string, error) {
	encoded, err := codec.Encode(args)
	if err != nil {
		return "", err
	}
	canonical, err := json.Marshal(map[string]interface{}{
		"query": query,
		"args":  encoded,
	})
	if err != nil {
		return "", fmt.Errorf("hashing query identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
