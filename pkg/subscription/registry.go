package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	memdb "github.com/hashicorp/go-memdb"
)

const subscriptionTableName = "subscription"

var subscriptionTableSchema = &memdb.TableSchema{
	Name: subscriptionTableName,
	Indexes: map[string]*memdb.IndexSchema{
		"id": {
			Name:    "id",
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "ID"},
		},
		"query": {
			Name:         "query",
			Indexer:      &memdb.StringFieldIndex{Field: "Query"},
			AllowMissing: true,
		},
		"hash": {
			Name:         "hash",
			Indexer:      &memdb.StringFieldIndex{Field: "Hash"},
			AllowMissing: true,
		},
		"state": {
			Name:    "state",
			Indexer: &memdb.StringFieldIndex{Field: "State"},
		},
	},
}

// ErrNotFound is returned when a subscription is not present.
var ErrNotFound = fmt.Errorf("subscription not found")

// ErrManagerDisposed is returned by Subscribe after Dispose.
var ErrManagerDisposed = fmt.Errorf("subscription manager disposed")

// ErrTooManySubscriptions is returned when MaxSubscriptions is reached.
var ErrTooManySubscriptions = fmt.Errorf("too many subscriptions")

// RegistryOpts configures a Registry.
type RegistryOpts struct {
	// MaxSubscriptions caps live (non-closed) subscriptions; 0 means
	// unlimited.
	MaxSubscriptions int
	// DeduplicateSubscriptions shares one upstream subscription between
	// local subscribers with equal query identity.
	DeduplicateSubscriptions bool
	// TrackHistory appends every update to the subscription's history.
	TrackHistory bool

	OnSubscribe         func(*Subscription)
	OnUnsubscribe       func(*Subscription)
	OnUpdate            func(*Subscription, interface{})
	OnSubscriptionError func(*Subscription, error)
}

// SubscribeOpts configures one subscription.
type SubscribeOpts struct {
	// OnError receives errors delivered to this subscription.
	OnError ErrorCallback
	// SkipInitialCallback stores the first initial update without
	// invoking the data callback, exactly once.
	SkipInitialCallback bool
}

type bucket struct {
	count int
	ids   []string
}

// Registry tracks subscriptions in an in-memory indexed store and owns
// their lifecycle.
type Registry struct {
	mu       sync.Mutex
	db       *memdb.MemDB
	buckets  map[string]*bucket
	opts     RegistryOpts
	disposed bool

	now func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			subscriptionTableName: subscriptionTableSchema,
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("creating subscription store: %w", err)
	}
	return &Registry{
		db:      db,
		buckets: map[string]*bucket{},
		opts:    opts,
		now:     time.Now,
	}, nil
}

// Subscribe allocates a Pending subscription for a query.
func (r *Registry) Subscribe(query string, args interface{}, callback Callback, opts SubscribeOpts) (*Subscription, error) {
	hash, err := QueryHash(query, args)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, ErrManagerDisposed
	}
	if r.opts.MaxSubscriptions > 0 && r.liveCountLocked() >= r.opts.MaxSubscriptions {
		r.mu.Unlock()
		return nil, ErrTooManySubscriptions
	}

	now := r.now()
	sub := &Subscription{
		ID:                  "sub-" + uuid.NewString(),
		Query:               query,
		Args:                args,
		Hash:                hash,
		State:               Pending,
		CreatedAt:           now,
		UpdatedAt:           now,
		callback:            callback,
		errCallback:         opts.OnError,
		skipInitialCallback: opts.SkipInitialCallback,
	}

	txn := r.db.Txn(true)
	if err := txn.Insert(subscriptionTableName, sub); err != nil {
		txn.Abort()
		r.mu.Unlock()
		return nil, err
	}
	txn.Commit()

	b, ok := r.buckets[hash]
	if !ok {
		b = &bucket{}
		r.buckets[hash] = b
	}
	b.count++
	b.ids = append(b.ids, sub.ID)

	snapshot := sub.copy()
	hook := r.opts.OnSubscribe
	r.mu.Unlock()

	if hook != nil {
		guard(func() { hook(snapshot) })
	}
	return snapshot, nil
}

// Unsubscribe closes a subscription. Closed is terminal; a second call
// returns false.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	sub, err := r.getLocked(id)
	if err != nil || sub.State == Closed {
		r.mu.Unlock()
		return false
	}
	r.closeLocked(sub)
	snapshot := sub.copy()
	hook := r.opts.OnUnsubscribe
	r.mu.Unlock()

	if hook != nil {
		guard(func() { hook(snapshot) })
	}
	return true
}

// closeLocked transitions a subscription to Closed and releases its
// dedup reference.
func (r *Registry) closeLocked(sub *Subscription) {
	updated := sub.copy()
	updated.State = Closed
	updated.UpdatedAt = r.now()
	r.replaceLocked(sub, updated)
	*sub = *updated

	if b, ok := r.buckets[sub.Hash]; ok {
		b.count--
		for i, bid := range b.ids {
			if bid == sub.ID {
				b.ids = append(b.ids[:i], b.ids[i+1:]...)
				break
			}
		}
		if b.count <= 0 {
			delete(r.buckets, sub.Hash)
		}
	}
}

// UpdateSubscription delivers data to a subscription: stores it,
// transitions to Active, clears the last error and invokes the data
// callback. Returns false for unknown or closed subscriptions.
func (r *Registry) UpdateSubscription(id string, data interface{}, isInitial bool) bool {
	r.mu.Lock()
	sub, err := r.getLocked(id)
	if err != nil || sub.State == Closed {
		r.mu.Unlock()
		return false
	}

	updated := sub.copy()
	updated.Data = data
	updated.Err = nil
	updated.State = Active
	updated.UpdatedAt = r.now()
	if r.opts.TrackHistory {
		updated.History = append(updated.History, data)
	}

	skip := false
	if updated.skipInitialCallback && isInitial && !updated.initialSkipped {
		updated.initialSkipped = true
		skip = true
	}

	r.replaceLocked(sub, updated)

	callback := updated.callback
	snapshot := updated.copy()
	hook := r.opts.OnUpdate
	r.mu.Unlock()

	if !skip && callback != nil {
		guard(func() { callback(data) })
	}
	if hook != nil {
		guard(func() { hook(snapshot, data) })
	}
	return true
}

// SetSubscriptionError stores an error on a subscription, transitions
// it to the Errored state and invokes the per-subscription error
// callback. The last data is retained.
func (r *Registry) SetSubscriptionError(id string, subErr error) bool {
	r.mu.Lock()
	sub, err := r.getLocked(id)
	if err != nil || sub.State == Closed {
		r.mu.Unlock()
		return false
	}

	updated := sub.copy()
	updated.Err = subErr
	updated.State = Errored
	updated.UpdatedAt = r.now()
	r.replaceLocked(sub, updated)

	errCallback := updated.errCallback
	snapshot := updated.copy()
	hook := r.opts.OnSubscriptionError
	r.mu.Unlock()

	if errCallback != nil {
		guard(func() { errCallback(subErr) })
	}
	if hook != nil {
		guard(func() { hook(snapshot, subErr) })
	}
	return true
}

// Get returns a snapshot of a subscription by id.
func (r *Registry) Get(id string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return sub.copy(), nil
}

// GetByQuery returns snapshots of every subscription on a query path.
func (r *Registry) GetByQuery(query string) []*Subscription {
	return r.collect("query", query)
}

// GetByState returns snapshots of every subscription in a state.
func (r *Registry) GetByState(state State) []*Subscription {
	return r.collect("state", string(state))
}

// Count returns the number of tracked subscriptions, closed included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked("id_prefix", "")
}

// CountByState returns the number of subscriptions in a state.
func (r *Registry) CountByState(state State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked("state", string(state))
}

// UnsubscribeAll closes every open subscription and returns how many
// were closed.
func (r *Registry) UnsubscribeAll() int {
	return r.unsubscribeWhere(func(*Subscription) bool { return true })
}

// UnsubscribeByQuery closes every open subscription on a query path.
func (r *Registry) UnsubscribeByQuery(query string) int {
	return r.unsubscribeWhere(func(s *Subscription) bool { return s.Query == query })
}

// GetQueryRefCount returns the number of open subscriptions sharing a
// query identity.
func (r *Registry) GetQueryRefCount(query string, args interface{}) int {
	hash, err := QueryHash(query, args)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[hash]; ok {
		return b.count
	}
	return 0
}

// HasActiveQuery reports whether a query identity has at least one open
// subscription.
func (r *Registry) HasActiveQuery(query string, args interface{}) bool {
	return r.GetQueryRefCount(query, args) > 0
}

// UpdateByQuery fans data out to every open subscription sharing a
// query identity and returns how many were updated.
func (r *Registry) UpdateByQuery(query string, args interface{}, data interface{}, isInitial bool) int {
	hash, err := QueryHash(query, args)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	var ids []string
	if b, ok := r.buckets[hash]; ok {
		ids = make([]string, len(b.ids))
		copy(ids, b.ids)
	}
	r.mu.Unlock()

	updated := 0
	for _, id := range ids {
		if r.UpdateSubscription(id, data, isInitial) {
			updated++
		}
	}
	return updated
}

// Disposed reports whether the registry has been disposed.
func (r *Registry) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// Dispose closes every subscription and rejects further subscribes.
// Idempotent.
func (r *Registry) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.mu.Unlock()

	r.UnsubscribeAll()

	r.mu.Lock()
	r.buckets = map[string]*bucket{}
	r.mu.Unlock()
}

func (r *Registry) unsubscribeWhere(match func(*Subscription) bool) int {
	r.mu.Lock()
	var ids []string
	txn := r.db.Txn(false)
	it, err := txn.Get(subscriptionTableName, "id_prefix", "")
	if err == nil {
		for obj := it.Next(); obj != nil; obj = it.Next() {
			sub := obj.(*Subscription)
			if sub.State != Closed && match(sub) {
				ids = append(ids, sub.ID)
			}
		}
	}
	txn.Abort()
	r.mu.Unlock()

	closed := 0
	for _, id := range ids {
		if r.Unsubscribe(id) {
			closed++
		}
	}
	return closed
}

func (r *Registry) collect(index, value string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(subscriptionTableName, index, value)
	if err != nil {
		return nil
	}
	var out []*Subscription
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*Subscription).copy())
	}
	return out
}

func (r *Registry) countLocked(index string, args ...interface{}) int {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(subscriptionTableName, index, args...)
	if err != nil {
		return 0
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n
}

func (r *Registry) liveCountLocked() int {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(subscriptionTableName, "id_prefix", "")
	if err != nil {
		return 0
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if obj.(*Subscription).State != Closed {
			n++
		}
	}
	return n
}

func (r *Registry) getLocked(id string) (*Subscription, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(subscriptionTableName, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*Subscription), nil
}

// replaceLocked swaps the stored subscription for an updated copy.
func (r *Registry) replaceLocked(oldSub, newSub *Subscription) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Delete(subscriptionTableName, oldSub); err != nil {
		return
	}
	if err := txn.Insert(subscriptionTableName, newSub); err != nil {
		return
	}
	txn.Commit()
}

func guard(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
