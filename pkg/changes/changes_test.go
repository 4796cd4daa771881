package changes

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectChangesIdentityMode(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	oldData := []interface{}{
		map[string]interface{}{"_id": "1", "name": "Alice"},
	}
	newData := []interface{}{
		map[string]interface{}{"_id": "1", "name": "Alice"},
		map[string]interface{}{"_id": "2", "name": "Bob"},
	}

	cs := d.DetectChanges(oldData, newData)

	require.Len(t, cs.Added, 1)
	assert.Empty(t, cs.Removed)
	assert.Empty(t, cs.Modified)
	assert.Equal(t, []interface{}{}, cs.Added[0].Path)
	assert.Equal(t, map[string]interface{}{"_id": "2", "name": "Bob"}, cs.Added[0].Value)
}

func TestDetectChangesIdentityModified(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	oldData := []interface{}{
		map[string]interface{}{"_id": "1", "name": "Alice"},
		map[string]interface{}{"_id": "2", "name": "Bob"},
	}
	newData := []interface{}{
		map[string]interface{}{"_id": "2", "name": "Robert"},
	}

	cs := d.DetectChanges(oldData, newData)

	require.Len(t, cs.Removed, 1)
	require.Len(t, cs.Modified, 1)
	assert.Equal(t, "Bob", cs.Modified[0].Old)
	assert.Equal(t, "Robert", cs.Modified[0].New)
}

func TestDetectChangesIndexFallback(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	// Items without the identity field diff by position.
	oldData := []interface{}{"a", "b"}
	newData := []interface{}{"a", "c", "d"}

	cs := d.DetectChanges(oldData, newData)

	require.Len(t, cs.Modified, 1)
	assert.Equal(t, []interface{}{1}, cs.Modified[0].Path)
	require.Len(t, cs.Added, 1)
	assert.Equal(t, []interface{}{2}, cs.Added[0].Path)
}

func TestDetectChangesRootTransitions(t *testing.T) {
	d := NewDetector(DetectorOpts{})

	cs := d.DetectChanges(nil, map[string]interface{}{"a": float64(1), "b": "x"})
	assert.Len(t, cs.Added, 2)
	assert.Empty(t, cs.Removed)

	cs = d.DetectChanges(map[string]interface{}{"a": float64(1)}, nil)
	assert.Len(t, cs.Removed, 1)
	assert.Empty(t, cs.Added)
}

func TestDetectChangesNestedNullIsSingleModified(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	oldData := map[string]interface{}{"profile": map[string]interface{}{"bio": "x"}}
	newData := map[string]interface{}{"profile": nil}

	cs := d.DetectChanges(oldData, newData)

	require.Len(t, cs.Modified, 1)
	assert.Equal(t, []interface{}{"profile"}, cs.Modified[0].Path)
}

func TestDetectChangesTypeChange(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	cs := d.DetectChanges(
		map[string]interface{}{"v": float64(1)},
		map[string]interface{}{"v": "1"},
	)
	require.Len(t, cs.Modified, 1)
}

func TestDetectChangesNaN(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	cs := d.DetectChanges(
		map[string]interface{}{"v": math.NaN()},
		map[string]interface{}{"v": math.NaN()},
	)
	assert.True(t, cs.Empty())
}

func TestDetectChangesTimestampsByInstant(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	cs := d.DetectChanges(
		map[string]interface{}{"at": time.UnixMilli(50).UTC()},
		map[string]interface{}{"at": time.UnixMilli(50).In(time.FixedZone("x", 3600))},
	)
	assert.True(t, cs.Empty())
}

func TestDetectChangesCycleTolerated(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	oldData := map[string]interface{}{}
	oldData["self"] = oldData
	newData := map[string]interface{}{}
	newData["self"] = newData

	assert.NotPanics(t, func() {
		d.DetectChanges(oldData, newData)
	})
}

func TestDetectChangesEvents(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	var gotSet *ChangeSet
	var adds, removes, modifies int
	d.OnChange(func(cs ChangeSet) { gotSet = &cs })
	d.OnAdd(func(c []Change) { adds = len(c) })
	d.OnRemove(func(c []Change) { removes = len(c) })
	d.OnModify(func(c []Change) { modifies = len(c) })
	// A panicking listener must not stop fan-out.
	d.OnChange(func(ChangeSet) { panic("listener") })

	d.DetectChanges(
		map[string]interface{}{"a": float64(1), "b": "x"},
		map[string]interface{}{"a": float64(2), "c": "y"},
	)

	require.NotNil(t, gotSet)
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)
	assert.Equal(t, 1, modifies)

	// No events for an empty diff.
	gotSet = nil
	d.DetectChanges(map[string]interface{}{"a": float64(1)}, map[string]interface{}{"a": float64(1)})
	assert.Nil(t, gotSet)
}

func TestHasChangesMatchesDetect(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	tests := []struct {
		name     string
		old, new interface{}
	}{
		{name: "equal scalars", old: float64(1), new: float64(1)},
		{name: "different scalars", old: float64(1), new: float64(2)},
		{
			name: "equal maps",
			old:  map[string]interface{}{"a": []interface{}{float64(1), float64(2)}},
			new:  map[string]interface{}{"a": []interface{}{float64(1), float64(2)}},
		},
		{
			name: "removed key",
			old:  map[string]interface{}{"a": float64(1), "b": float64(2)},
			new:  map[string]interface{}{"a": float64(1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := d.DetectChanges(tt.old, tt.new)
			assert.Equal(t, !cs.Empty(), d.HasChanges(tt.old, tt.new))
		})
	}
}

func TestHasChangesOrderInsensitive(t *testing.T) {
	unordered := NewDetector(DetectorOpts{})
	assert.False(t, unordered.HasChanges(
		[]interface{}{"a", "b"},
		[]interface{}{"b", "a"},
	))

	ordered := NewDetector(DetectorOpts{TrackArrayOrder: true})
	assert.True(t, ordered.HasChanges(
		[]interface{}{"a", "b"},
		[]interface{}{"b", "a"},
	))
}

func TestGetDiffKeyFormat(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	diff := d.GetDiff(
		map[string]interface{}{"tags": []interface{}{"a", "b", "c"}},
		map[string]interface{}{"tags": []interface{}{"a", "B", "c"}},
	)

	require.Len(t, diff, 1)
	delta, ok := diff["tags[1]"]
	require.True(t, ok)
	assert.Equal(t, "b", delta.Old)
	assert.Equal(t, "B", delta.New)
}

func TestGetDiffNestedKeys(t *testing.T) {
	d := NewDetector(DetectorOpts{})
	diff := d.GetDiff(
		map[string]interface{}{"profile": map[string]interface{}{"name": "A"}},
		map[string]interface{}{"profile": map[string]interface{}{"name": "B", "bio": "hi"}},
	)

	assert.Contains(t, diff, "profile.name")
	assert.Contains(t, diff, "profile.bio")
}

func TestDiffString(t *testing.T) {
	s, err := DiffString(
		map[string]interface{}{"name": "A"},
		map[string]interface{}{"name": "B"},
	)
	require.NoError(t, err)
	assert.NotEmpty(t, s)

	s, err = DiffString(
		map[string]interface{}{"name": "A"},
		map[string]interface{}{"name": "A"},
	)
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestAffectedQueries(t *testing.T) {
	r := NewDependencyRegistry()
	r.Register("q1", []string{"users"}, nil)
	r.Register("q2", []string{"users"}, []string{"name"})
	r.Register("q3", []string{"users"}, []string{"profile.*"})
	r.Register("q4", []string{"tasks"}, nil)

	cs := ChangeSet{
		Modified: []Change{
			{Kind: Modified, Path: []interface{}{"users", "u1", "name"}, Old: "a", New: "b"},
		},
	}
	got := r.AffectedQueries(cs)
	assert.ElementsMatch(t, []string{"q1", "q2"}, got)

	cs = ChangeSet{
		Modified: []Change{
			{Kind: Modified, Path: []interface{}{"users", "u1", "profile", "bio"}},
		},
	}
	got = r.AffectedQueries(cs)
	assert.ElementsMatch(t, []string{"q1", "q3"}, got)

	// Table-only change matches dependencies without fields.
	cs = ChangeSet{
		Added: []Change{{Kind: Added, Path: []interface{}{"tasks", "t1"}}},
	}
	got = r.AffectedQueries(cs)
	assert.ElementsMatch(t, []string{"q4"}, got)
}

func TestAffectedQueriesDeduplicates(t *testing.T) {
	r := NewDependencyRegistry()
	r.Register("q1", []string{"users"}, nil)

	cs := ChangeSet{
		Modified: []Change{
			{Kind: Modified, Path: []interface{}{"users", "u1", "name"}},
			{Kind: Modified, Path: []interface{}{"users", "u2", "name"}},
		},
	}
	assert.Equal(t, []string{"q1"}, r.AffectedQueries(cs))
}

func TestUnregisterDependency(t *testing.T) {
	r := NewDependencyRegistry()
	r.Register("q1", []string{"users"}, nil)
	assert.True(t, r.Unregister("q1"))
	assert.False(t, r.Unregister("q1"))
	assert.Empty(t, r.Dependencies())
}
