// Package optimistic layers ordered pending mutations over server state
// and rolls them back with dependency cascades.
package optimistic

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncwire/go-sync-engine/pkg/cprint"
)

// Status is the lifecycle status of an optimistic update.
type Status string

const (
	// Pending updates are applied locally and not yet sent.
	Pending = Status("pending")
	// InFlight updates have been sent and await a server result.
	InFlight = Status("inFlight")
	// Confirmed updates were accepted by the server and dropped from
	// the layer stack.
	Confirmed = Status("confirmed")
	// Reverted updates were rolled back.
	Reverted = Status("reverted")
)

// TransformFunc maps a value to a value. A panic inside the function
// marks the update errored and excludes it from future layering.
type TransformFunc func(data interface{}) interface{}

// Update is one optimistic mutation layered over server state.
type Update struct {
	ID            string      `json:"id"`
	Mutation      string      `json:"mutation"`
	Args          interface{} `json:"args"`
	Status        Status      `json:"status"`
	Order         int64       `json:"order"`
	AppliedAt     time.Time   `json:"appliedAt"`
	Key           string      `json:"key,omitempty"`
	DependsOn     string      `json:"dependsOn,omitempty"`
	RevertOnError bool        `json:"revertOnError"`

	fn TransformFunc
}

// ApplyOpts configures one Apply call.
type ApplyOpts struct {
	// Key names the transformation for serialization round-trips.
	Key string
	// DependsOn links this update to a parent; reverting the parent
	// reverts this update too.
	DependsOn string
	// RevertOnError keeps a failing transformation from propagating
	// even when DataOpts.ReturnError is set. Either way Data skips the
	// failing update; it is not reverted and stays pending.
	RevertOnError bool
}

// DataOpts configures Data.
type DataOpts struct {
	// ReturnError propagates a transformation failure of an update
	// whose RevertOnError is false, instead of skipping it.
	ReturnError bool
}

// EngineOpts configures an Engine.
type EngineOpts struct {
	// MaxPendingUpdates caps the number of unresolved updates; 0 means
	// unlimited.
	MaxPendingUpdates int
	// EnableLogging prints applied/confirmed/reverted operations.
	EnableLogging bool
}

// ErrTooManyPendingUpdates is returned when MaxPendingUpdates is hit.
var ErrTooManyPendingUpdates = fmt.Errorf("too many pending optimistic updates")

// TransformError reports a transformation function failure.
type TransformError struct {
	UpdateID string
	Reason   interface{}
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("optimistic update %s: transform failed: %v", e.UpdateID, e.Reason)
}

// Engine owns the ordered list of optimistic updates.
type Engine struct {
	mu      sync.Mutex
	opts    EngineOpts
	byID    map[string]*Update
	order   []string
	errored map[string]struct{}
	counter int64

	appliedListeners   []func(*Update)
	confirmedListeners []func(*Update)
	revertedListeners  []func(*Update)
	errorListeners     []func(*Update, error)

	now func() time.Time
}

// NewEngine constructs an empty Engine.
func NewEngine(opts EngineOpts) *Engine {
	return &Engine{
		opts:    opts,
		byID:    map[string]*Update{},
		errored: map[string]struct{}{},
		now:     time.Now,
	}
}

// OnApplied registers a listener for applied updates.
func (e *Engine) OnApplied(fn func(*Update)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appliedListeners = append(e.appliedListeners, fn)
}

// OnConfirmed registers a listener for confirmed updates.
func (e *Engine) OnConfirmed(fn func(*Update)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmedListeners = append(e.confirmedListeners, fn)
}

// OnReverted registers a listener for reverted updates.
func (e *Engine) OnReverted(fn func(*Update)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revertedListeners = append(e.revertedListeners, fn)
}

// OnError registers a listener for transformation failures.
func (e *Engine) OnError(fn func(*Update, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorListeners = append(e.errorListeners, fn)
}

// Apply records a new optimistic update and returns its id.
func (e *Engine) Apply(mutation string, args interface{}, fn TransformFunc, opts ApplyOpts) (string, error) {
	e.mu.Lock()
	if e.opts.MaxPendingUpdates > 0 && len(e.order) >= e.opts.MaxPendingUpdates {
		e.mu.Unlock()
		return "", ErrTooManyPendingUpdates
	}
	e.counter++
	u := &Update{
		ID:            "opt-" + uuid.NewString(),
		Mutation:      mutation,
		Args:          args,
		Status:        Pending,
		Order:         e.counter,
		AppliedAt:     e.now(),
		Key:           opts.Key,
		DependsOn:     opts.DependsOn,
		RevertOnError: opts.RevertOnError,
		fn:            fn,
	}
	e.byID[u.ID] = u
	e.order = append(e.order, u.ID)
	listeners := e.appliedListeners
	snapshot := *u
	e.mu.Unlock()

	if e.opts.EnableLogging {
		cprint.CreatePrintln("applying optimistic update", mutation, u.ID)
	}
	notify(listeners, &snapshot)
	return u.ID, nil
}

// MarkInFlight transitions a Pending update to InFlight. No other
// transitions are supported.
func (e *Engine) MarkInFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.byID[id]
	if !ok || u.Status != Pending {
		return false
	}
	u.Status = InFlight
	return true
}

// Confirm removes an update accepted by the server. The server
// response is accepted for symmetry with Revert; the next server
// snapshot carries the confirmed effect. Dependents stay as independent
// pending entries.
func (e *Engine) Confirm(id string, _ interface{}) bool {
	e.mu.Lock()
	u, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	u.Status = Confirmed
	e.removeLocked(id)
	delete(e.errored, id)
	listeners := e.confirmedListeners
	snapshot := *u
	e.mu.Unlock()

	if e.opts.EnableLogging {
		cprint.UpdatePrintln("confirmed optimistic update", u.Mutation, id)
	}
	notify(listeners, &snapshot)
	return true
}

// Revert rolls back an update together with every update that depends
// on it, transitively. Dependents revert first, in reverse accumulation
// order.
func (e *Engine) Revert(id string, _ error) bool {
	e.mu.Lock()
	if _, ok := e.byID[id]; !ok {
		e.mu.Unlock()
		return false
	}

	dependents := e.collectDependentsLocked(id)
	var snapshots []Update
	for i := len(dependents) - 1; i >= 0; i-- {
		snapshots = append(snapshots, e.revertLocked(dependents[i]))
	}
	snapshots = append(snapshots, e.revertLocked(id))
	listeners := e.revertedListeners
	e.mu.Unlock()

	for i := range snapshots {
		if e.opts.EnableLogging {
			cprint.DeletePrintln("reverted optimistic update", snapshots[i].Mutation, snapshots[i].ID)
		}
		notify(listeners, &snapshots[i])
	}
	return true
}

// RevertAll rolls back every unresolved update and returns how many
// there were before the sweep.
func (e *Engine) RevertAll() int {
	e.mu.Lock()
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	e.mu.Unlock()

	for _, id := range ids {
		e.Revert(id, nil)
	}
	return len(ids)
}

// collectDependentsLocked gathers the transitive dependents of id,
// breadth-first, with a visited set against pathological input.
func (e *Engine) collectDependentsLocked(id string) []string {
	var out []string
	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, candidate := range e.order {
			u := e.byID[candidate]
			if u.DependsOn != next {
				continue
			}
			if _, seen := visited[candidate]; seen {
				continue
			}
			visited[candidate] = struct{}{}
			out = append(out, candidate)
			frontier = append(frontier, candidate)
		}
	}
	return out
}

func (e *Engine) revertLocked(id string) Update {
	u := e.byID[id]
	u.Status = Reverted
	snapshot := *u
	e.removeLocked(id)
	delete(e.errored, id)
	return snapshot
}

func (e *Engine) removeLocked(id string) {
	delete(e.byID, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Pending returns snapshots of the unresolved updates in apply order.
func (e *Engine) Pending() []Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Update, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.byID[id])
	}
	return out
}

// Get returns a snapshot of one unresolved update.
func (e *Engine) Get(id string) (Update, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.byID[id]
	if !ok {
		return Update{}, false
	}
	return *u, true
}

// Data folds the unresolved updates over serverData in ascending order
// and returns the layered view. The supplied server data is never
// mutated. A failing transformation is recorded, reported and skipped
// on this and future calls; if its update opted out of RevertOnError
// and opts.ReturnError is set, the failure propagates instead.
func (e *Engine) Data(serverData interface{}, opts DataOpts) (interface{}, error) {
	e.mu.Lock()
	type layer struct {
		id            string
		fn            TransformFunc
		revertOnError bool
		snapshot      Update
	}
	layers := make([]layer, 0, len(e.order))
	for _, id := range e.order {
		if _, bad := e.errored[id]; bad {
			continue
		}
		u := e.byID[id]
		layers = append(layers, layer{id: id, fn: u.fn, revertOnError: u.RevertOnError, snapshot: *u})
	}
	errorListeners := e.errorListeners
	e.mu.Unlock()

	data := deepCopy(serverData)
	for _, l := range layers {
		next, panicked := runTransform(l.fn, data)
		if panicked != nil {
			terr := &TransformError{UpdateID: l.id, Reason: panicked}
			e.mu.Lock()
			e.errored[l.id] = struct{}{}
			e.mu.Unlock()
			for _, fn := range errorListeners {
				guard(func() { fn(&l.snapshot, terr) })
			}
			if !l.revertOnError && opts.ReturnError {
				return nil, terr
			}
			continue
		}
		data = next
	}
	return data, nil
}

func runTransform(fn TransformFunc, data interface{}) (out interface{}, panicked interface{}) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	if fn == nil {
		return data, nil
	}
	return fn(data), nil
}

// orderedIDsLocked returns the unresolved ids sorted by Order. The
// order slice already preserves it; sorting defends deserialized state.
func (e *Engine) orderedIDsLocked() []string {
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return e.byID[ids[i]].Order < e.byID[ids[j]].Order
	})
	return ids
}

func notify(listeners []func(*Update), u *Update) {
	for _, fn := range listeners {
		guard(func() { fn(u) })
	}
}

func guard(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

// deepCopy clones maps and slices so that transformations never alias
// the caller's server data.
func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
