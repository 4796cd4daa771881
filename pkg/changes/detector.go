// Package changes computes structural diffs between query result
// snapshots and maps the resulting change sets onto registered query
// dependencies.
package changes

import (
	"math"
	"reflect"
	"time"

	"github.com/syncwire/go-sync-engine/pkg/codec"
)

// ChangeKind discriminates the delta types in a ChangeSet.
type ChangeKind string

const (
	// Added is the ChangeKind for values present only in the new snapshot.
	Added = ChangeKind("added")
	// Removed is the ChangeKind for values present only in the old snapshot.
	Removed = ChangeKind("removed")
	// Modified is the ChangeKind for values present in both snapshots with
	// differing content.
	Modified = ChangeKind("modified")
)

// Change is a single typed delta at a path from the root of the snapshot.
// Path elements are string keys and int indices.
type Change struct {
	Kind  ChangeKind    `json:"kind"`
	Path  []interface{} `json:"path"`
	Value interface{}   `json:"value,omitempty"`
	Old   interface{}   `json:"old,omitempty"`
	New   interface{}   `json:"new,omitempty"`
}

// ChangeSet groups the deltas between two snapshots by kind.
type ChangeSet struct {
	Added     []Change  `json:"added"`
	Removed   []Change  `json:"removed"`
	Modified  []Change  `json:"modified"`
	Timestamp time.Time `json:"timestamp"`
}

// Empty reports whether the set carries no deltas.
func (cs ChangeSet) Empty() bool {
	return len(cs.Added) == 0 && len(cs.Removed) == 0 && len(cs.Modified) == 0
}

// DetectorOpts configures a Detector.
type DetectorOpts struct {
	// DeepCompare disables the identity-field shortcut and always walks
	// nested structures.
	DeepCompare bool
	// TrackArrayOrder makes the fast equality check order-sensitive for
	// sequences. Off by default.
	TrackArrayOrder bool
	// IdentityField names the field used to match sequence items by
	// identity. Defaults to "_id".
	IdentityField string
	// Equals overrides leaf equality when set.
	Equals func(a, b interface{}) bool
}

// Detector diffs value snapshots and notifies registered listeners.
type Detector struct {
	opts DetectorOpts

	changeListeners []func(ChangeSet)
	addListeners    []func([]Change)
	removeListeners []func([]Change)
	modifyListeners []func([]Change)

	now func() time.Time
}

// NewDetector constructs a Detector.
func NewDetector(opts DetectorOpts) *Detector {
	if opts.IdentityField == "" {
		opts.IdentityField = "_id"
	}
	return &Detector{opts: opts, now: time.Now}
}

// OnChange registers a listener invoked with every non-empty change set.
func (d *Detector) OnChange(fn func(ChangeSet)) {
	d.changeListeners = append(d.changeListeners, fn)
}

// OnAdd registers a listener for non-empty added lists.
func (d *Detector) OnAdd(fn func([]Change)) {
	d.addListeners = append(d.addListeners, fn)
}

// OnRemove registers a listener for non-empty removed lists.
func (d *Detector) OnRemove(fn func([]Change)) {
	d.removeListeners = append(d.removeListeners, fn)
}

// OnModify registers a listener for non-empty modified lists.
func (d *Detector) OnModify(fn func([]Change)) {
	d.modifyListeners = append(d.modifyListeners, fn)
}

// DetectChanges computes the change set between two snapshots and fires
// the matching events for every non-empty delta list.
func (d *Detector) DetectChanges(oldData, newData interface{}) ChangeSet {
	w := walker{
		opts:    d.opts,
		seenOld: map[uintptr]struct{}{},
		seenNew: map[uintptr]struct{}{},
	}
	cs := ChangeSet{Timestamp: d.now()}

	switch {
	case oldData == nil && newData == nil:
	case oldData == nil:
		if m, ok := newData.(map[string]interface{}); ok {
			for k, v := range m {
				cs.Added = append(cs.Added, Change{Kind: Added, Path: []interface{}{k}, Value: v})
			}
		} else {
			cs.Added = append(cs.Added, Change{Kind: Added, Path: []interface{}{}, Value: newData})
		}
	case newData == nil:
		if m, ok := oldData.(map[string]interface{}); ok {
			for k, v := range m {
				cs.Removed = append(cs.Removed, Change{Kind: Removed, Path: []interface{}{k}, Value: v})
			}
		} else {
			cs.Removed = append(cs.Removed, Change{Kind: Removed, Path: []interface{}{}, Value: oldData})
		}
	default:
		w.walk(oldData, newData, []interface{}{}, &cs)
	}

	d.emit(cs)
	return cs
}

// HasChanges is the fast equality check: it reports whether two
// snapshots differ without materializing a change set. With
// TrackArrayOrder off, sequence comparison is order-insensitive.
func (d *Detector) HasChanges(oldData, newData interface{}) bool {
	eq := equality{opts: d.opts, orderInsensitive: !d.opts.TrackArrayOrder}
	return !eq.equal(oldData, newData)
}

func (d *Detector) emit(cs ChangeSet) {
	if cs.Empty() {
		return
	}
	for _, fn := range d.changeListeners {
		guard(func() { fn(cs) })
	}
	if len(cs.Added) > 0 {
		for _, fn := range d.addListeners {
			guard(func() { fn(cs.Added) })
		}
	}
	if len(cs.Removed) > 0 {
		for _, fn := range d.removeListeners {
			guard(func() { fn(cs.Removed) })
		}
	}
	if len(cs.Modified) > 0 {
		for _, fn := range d.modifyListeners {
			guard(func() { fn(cs.Modified) })
		}
	}
}

func guard(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

type walker struct {
	opts    DetectorOpts
	seenOld map[uintptr]struct{}
	seenNew map[uintptr]struct{}
}

func (w *walker) walk(oldVal, newVal interface{}, path []interface{}, cs *ChangeSet) {
	// Nested null transitions are a single Modified at the path.
	if oldVal == nil || newVal == nil {
		if oldVal != newVal {
			cs.Modified = append(cs.Modified, modified(path, oldVal, newVal))
		}
		return
	}

	oldMap, oldIsMap := oldVal.(map[string]interface{})
	newMap, newIsMap := newVal.(map[string]interface{})
	oldSlice, oldIsSlice := oldVal.([]interface{})
	newSlice, newIsSlice := newVal.([]interface{})

	switch {
	case oldIsMap && newIsMap:
		if w.revisit(oldMap, newMap, len(oldMap), len(newMap)) {
			return
		}
		w.walkMaps(oldMap, newMap, path, cs)
	case oldIsSlice && newIsSlice:
		if w.revisit(oldSlice, newSlice, len(oldSlice), len(newSlice)) {
			return
		}
		w.walkSlices(oldSlice, newSlice, path, cs)
	case oldIsMap != newIsMap || oldIsSlice != newIsSlice:
		// type change
		cs.Modified = append(cs.Modified, modified(path, oldVal, newVal))
	default:
		if !w.leafEqual(oldVal, newVal) {
			cs.Modified = append(cs.Modified, modified(path, oldVal, newVal))
		}
	}
}

// revisit marks both nodes seen and reports whether either was already
// visited in this traversal, short-circuiting cycles. Empty containers
// are not tracked: they cannot participate in a cycle, and empty slices
// share a backing pointer that would alias them all.
func (w *walker) revisit(oldVal, newVal interface{}, oldLen, newLen int) bool {
	if oldLen > 0 {
		oldPtr := reflect.ValueOf(oldVal).Pointer()
		if _, seen := w.seenOld[oldPtr]; seen {
			return true
		}
		w.seenOld[oldPtr] = struct{}{}
	}
	if newLen > 0 {
		newPtr := reflect.ValueOf(newVal).Pointer()
		if _, seen := w.seenNew[newPtr]; seen {
			return true
		}
		w.seenNew[newPtr] = struct{}{}
	}
	return false
}

func (w *walker) walkMaps(oldMap, newMap map[string]interface{}, path []interface{}, cs *ChangeSet) {
	for k, newItem := range newMap {
		oldItem, present := oldMap[k]
		if !present {
			cs.Added = append(cs.Added, Change{Kind: Added, Path: childPath(path, k), Value: newItem})
			continue
		}
		w.walk(oldItem, newItem, childPath(path, k), cs)
	}
	for k, oldItem := range oldMap {
		if _, present := newMap[k]; !present {
			cs.Removed = append(cs.Removed, Change{Kind: Removed, Path: childPath(path, k), Value: oldItem})
		}
	}
}

func (w *walker) walkSlices(oldSlice, newSlice []interface{}, path []interface{}, cs *ChangeSet) {
	if !w.opts.DeepCompare && w.identityDiffable(oldSlice) && w.identityDiffable(newSlice) {
		w.walkByIdentity(oldSlice, newSlice, path, cs)
		return
	}
	w.walkByIndex(oldSlice, newSlice, path, cs)
}

// identityDiffable reports whether every object in the slice carries the
// identity field. Items without it fall back to index-based diffing.
func (w *walker) identityDiffable(s []interface{}) bool {
	if len(s) == 0 {
		return true
	}
	for _, item := range s {
		m, ok := item.(map[string]interface{})
		if !ok {
			return false
		}
		if _, ok := m[w.opts.IdentityField]; !ok {
			return false
		}
	}
	return true
}

func (w *walker) walkByIdentity(oldSlice, newSlice []interface{}, path []interface{}, cs *ChangeSet) {
	oldByID := make(map[interface{}]map[string]interface{}, len(oldSlice))
	for _, item := range oldSlice {
		m := item.(map[string]interface{})
		oldByID[m[w.opts.IdentityField]] = m
	}
	matched := make(map[interface{}]struct{}, len(newSlice))
	for _, item := range newSlice {
		m := item.(map[string]interface{})
		id := m[w.opts.IdentityField]
		oldItem, present := oldByID[id]
		if !present {
			cs.Added = append(cs.Added, Change{Kind: Added, Path: path, Value: m})
			continue
		}
		matched[id] = struct{}{}
		w.walk(oldItem, m, path, cs)
	}
	for _, item := range oldSlice {
		m := item.(map[string]interface{})
		if _, present := matched[m[w.opts.IdentityField]]; !present {
			cs.Removed = append(cs.Removed, Change{Kind: Removed, Path: path, Value: m})
		}
	}
}

func (w *walker) walkByIndex(oldSlice, newSlice []interface{}, path []interface{}, cs *ChangeSet) {
	limit := len(oldSlice)
	if len(newSlice) > limit {
		limit = len(newSlice)
	}
	for i := 0; i < limit; i++ {
		switch {
		case i >= len(oldSlice):
			cs.Added = append(cs.Added, Change{Kind: Added, Path: childPath(path, i), Value: newSlice[i]})
		case i >= len(newSlice):
			cs.Removed = append(cs.Removed, Change{Kind: Removed, Path: childPath(path, i), Value: oldSlice[i]})
		default:
			w.walk(oldSlice[i], newSlice[i], childPath(path, i), cs)
		}
	}
}

func (w *walker) leafEqual(a, b interface{}) bool {
	if w.opts.Equals != nil {
		return w.opts.Equals(a, b)
	}
	return leafEqual(a, b)
}

// leafEqual compares scalars with NaN considered equal to NaN and
// timestamps compared by instant.
func leafEqual(a, b interface{}) bool {
	if af, aok := a.(float64); aok {
		bf, bok := b.(float64)
		if !bok {
			return false
		}
		if math.IsNaN(af) && math.IsNaN(bf) {
			return true
		}
		return af == bf
	}
	return codec.Equal(a, b)
}

func modified(path []interface{}, oldVal, newVal interface{}) Change {
	return Change{Kind: Modified, Path: path, Old: oldVal, New: newVal}
}

func childPath(path []interface{}, elem interface{}) []interface{} {
	out := make([]interface{}, len(path), len(path)+1)
	copy(out, path)
	return append(out, elem)
}

// equality implements the fast snapshot comparison behind HasChanges.
type equality struct {
	opts             DetectorOpts
	orderInsensitive bool
}

func (e *equality) equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if am, ok := a.(map[string]interface{}); ok {
		bm, ok := b.(map[string]interface{})
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, present := bm[k]
			if !present || !e.equal(av, bv) {
				return false
			}
		}
		return true
	}
	if as, ok := a.([]interface{}); ok {
		bs, ok := b.([]interface{})
		if !ok || len(as) != len(bs) {
			return false
		}
		if !e.orderInsensitive {
			for i := range as {
				if !e.equal(as[i], bs[i]) {
					return false
				}
			}
			return true
		}
		used := make([]bool, len(bs))
	outer:
		for _, av := range as {
			for i, bv := range bs {
				if !used[i] && e.equal(av, bv) {
					used[i] = true
					continue outer
				}
			}
			return false
		}
		return true
	}
	if e.opts.Equals != nil {
		return e.opts.Equals(a, b)
	}
	return leafEqual(a, b)
}
