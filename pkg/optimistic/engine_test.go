package optimistic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func increment(data interface{}) interface{} {
	m := data.(map[string]interface{})
	m["counter"] = m["counter"].(float64) + 1
	return m
}

func TestApplyAndLayering(t *testing.T) {
	e := NewEngine(EngineOpts{})

	id1, err := e.Apply("counter:inc", nil, increment, ApplyOpts{})
	require.NoError(t, err)
	_, err = e.Apply("counter:inc", nil, increment, ApplyOpts{})
	require.NoError(t, err)
	id3, err := e.Apply("counter:inc", nil, increment, ApplyOpts{})
	require.NoError(t, err)

	server := map[string]interface{}{"counter": float64(0)}
	got, err := e.Data(server, DataOpts{})
	require.NoError(t, err)
	assert.Equal(t, float64(3), got.(map[string]interface{})["counter"])
	assert.Equal(t, float64(0), server["counter"], "server data must not be mutated")

	// Applying twice without intervening changes yields equal results.
	again, err := e.Data(server, DataOpts{})
	require.NoError(t, err)
	assert.Equal(t, got, again)

	pending := e.Pending()
	require.Len(t, pending, 3)
	assert.Less(t, pending[0].Order, pending[1].Order)
	assert.Less(t, pending[1].Order, pending[2].Order)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id3, pending[2].ID)
}

func TestConfirmMiddlePreservesLayering(t *testing.T) {
	e := NewEngine(EngineOpts{})
	_, err := e.Apply("counter:inc", nil, increment, ApplyOpts{})
	require.NoError(t, err)
	id2, err := e.Apply("counter:inc", nil, increment, ApplyOpts{})
	require.NoError(t, err)
	_, err = e.Apply("counter:inc", nil, increment, ApplyOpts{})
	require.NoError(t, err)

	require.True(t, e.Confirm(id2, nil))

	// The confirmed layer is reflected in the server snapshot now.
	got, err := e.Data(map[string]interface{}{"counter": float64(1)}, DataOpts{})
	require.NoError(t, err)
	assert.Equal(t, float64(3), got.(map[string]interface{})["counter"])
}

func TestMarkInFlight(t *testing.T) {
	e := NewEngine(EngineOpts{})
	id, err := e.Apply("m", nil, nil, ApplyOpts{})
	require.NoError(t, err)

	assert.True(t, e.MarkInFlight(id))
	u, ok := e.Get(id)
	require.True(t, ok)
	assert.Equal(t, InFlight, u.Status)

	// Only Pending transitions to InFlight.
	assert.False(t, e.MarkInFlight(id))
	assert.False(t, e.MarkInFlight("missing"))
}

func TestRevertCascade(t *testing.T) {
	e := NewEngine(EngineOpts{})
	parent, err := e.Apply("m1", nil, nil, ApplyOpts{})
	require.NoError(t, err)
	child, err := e.Apply("m2", nil, nil, ApplyOpts{DependsOn: parent})
	require.NoError(t, err)
	grandchild, err := e.Apply("m3", nil, nil, ApplyOpts{DependsOn: child})
	require.NoError(t, err)
	unrelated, err := e.Apply("m4", nil, nil, ApplyOpts{})
	require.NoError(t, err)

	var reverted []string
	e.OnReverted(func(u *Update) { reverted = append(reverted, u.ID) })

	require.True(t, e.Revert(parent, nil))

	// Dependents revert first, deepest first, then the target.
	assert.Equal(t, []string{grandchild, child, parent}, reverted)

	_, ok := e.Get(parent)
	assert.False(t, ok)
	_, ok = e.Get(child)
	assert.False(t, ok)
	_, ok = e.Get(grandchild)
	assert.False(t, ok)
	_, ok = e.Get(unrelated)
	assert.True(t, ok)
}

func TestConfirmDoesNotCascade(t *testing.T) {
	e := NewEngine(EngineOpts{})
	parent, err := e.Apply("m1", nil, nil, ApplyOpts{})
	require.NoError(t, err)
	child, err := e.Apply("m2", nil, nil, ApplyOpts{DependsOn: parent})
	require.NoError(t, err)

	require.True(t, e.Confirm(parent, nil))
	_, ok := e.Get(child)
	assert.True(t, ok, "dependents stay as independent pending entries")
}

func TestRevertAll(t *testing.T) {
	e := NewEngine(EngineOpts{})
	for i := 0; i < 3; i++ {
		_, err := e.Apply("m", nil, nil, ApplyOpts{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, e.RevertAll())
	assert.Empty(t, e.Pending())
}

func TestFailingTransformIsSkippedAndReported(t *testing.T) {
	e := NewEngine(EngineOpts{})
	_, err := e.Apply("good", nil, increment, ApplyOpts{})
	require.NoError(t, err)
	badID, err := e.Apply("bad", nil, func(interface{}) interface{} {
		panic("kaboom")
	}, ApplyOpts{RevertOnError: true})
	require.NoError(t, err)
	_, err = e.Apply("good", nil, increment, ApplyOpts{})
	require.NoError(t, err)

	var failed *Update
	e.OnError(func(u *Update, _ error) { failed = u })

	got, err := e.Data(map[string]interface{}{"counter": float64(0)}, DataOpts{})
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.(map[string]interface{})["counter"], "remaining layers still apply")
	require.NotNil(t, failed)
	assert.Equal(t, badID, failed.ID)

	// The errored id is skipped on future calls without re-reporting.
	failed = nil
	_, err = e.Data(map[string]interface{}{"counter": float64(0)}, DataOpts{})
	require.NoError(t, err)
	assert.Nil(t, failed)

	// Confirming clears the errored flag.
	assert.True(t, e.Confirm(badID, nil))
}

func TestFailingTransformPropagates(t *testing.T) {
	e := NewEngine(EngineOpts{})
	id, err := e.Apply("bad", nil, func(interface{}) interface{} {
		panic("kaboom")
	}, ApplyOpts{RevertOnError: false})
	require.NoError(t, err)

	_, err = e.Data(map[string]interface{}{}, DataOpts{ReturnError: true})
	require.Error(t, err)
	var terr *TransformError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, id, terr.UpdateID)
}

func TestMaxPendingUpdates(t *testing.T) {
	e := NewEngine(EngineOpts{MaxPendingUpdates: 1})
	_, err := e.Apply("m", nil, nil, ApplyOpts{})
	require.NoError(t, err)
	_, err = e.Apply("m", nil, nil, ApplyOpts{})
	assert.ErrorIs(t, err, ErrTooManyPendingUpdates)
}

func TestEvents(t *testing.T) {
	e := NewEngine(EngineOpts{})
	var applied, confirmed int
	e.OnApplied(func(*Update) { applied++ })
	e.OnApplied(func(*Update) { panic("listener") })
	e.OnConfirmed(func(*Update) { confirmed++ })

	id, err := e.Apply("m", nil, nil, ApplyOpts{})
	require.NoError(t, err)
	e.Confirm(id, nil)

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, confirmed)
}

func TestSerializeRoundTrip(t *testing.T) {
	e := NewEngine(EngineOpts{})
	_, err := e.Apply("counter:inc", map[string]interface{}{"by": float64(1)}, increment,
		ApplyOpts{Key: "inc"})
	require.NoError(t, err)
	parent, err := e.Apply("counter:inc", nil, increment, ApplyOpts{Key: "inc"})
	require.NoError(t, err)
	_, err = e.Apply("noop", nil, nil, ApplyOpts{DependsOn: parent, RevertOnError: true})
	require.NoError(t, err)

	blob, err := e.Serialize()
	require.NoError(t, err)

	restored := NewEngine(EngineOpts{})
	require.NoError(t, restored.Deserialize(blob, map[string]TransformFunc{"inc": increment}))

	orig := e.Pending()
	got := restored.Pending()
	require.Len(t, got, len(orig))
	for i := range orig {
		assert.Equal(t, orig[i].ID, got[i].ID)
		assert.Equal(t, orig[i].Mutation, got[i].Mutation)
		assert.Equal(t, orig[i].Order, got[i].Order)
		assert.Equal(t, orig[i].Key, got[i].Key)
		assert.Equal(t, orig[i].DependsOn, got[i].DependsOn)
		assert.Equal(t, orig[i].RevertOnError, got[i].RevertOnError)
		assert.Equal(t, orig[i].AppliedAt.UnixMilli(), got[i].AppliedAt.UnixMilli())
	}

	// Restored transformations still layer.
	data, err := restored.Data(map[string]interface{}{"counter": float64(0)}, DataOpts{})
	require.NoError(t, err)
	assert.Equal(t, float64(2), data.(map[string]interface{})["counter"])

	// The order counter reseeds past the restored maximum.
	id, err := restored.Apply("m", nil, nil, ApplyOpts{})
	require.NoError(t, err)
	u, ok := restored.Get(id)
	require.True(t, ok)
	assert.Equal(t, orig[len(orig)-1].Order+1, u.Order)
}
