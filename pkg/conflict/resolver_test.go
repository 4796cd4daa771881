package conflict

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(t ChangeType, table, doc string, fields map[string]interface{}, version int64) *Change {
	return &Change{
		Type:       t,
		Table:      table,
		DocumentID: doc,
		Fields:     fields,
		Version:    version,
		Timestamp:  time.UnixMilli(version * 1000),
	}
}

func newResolver(t *testing.T, opts ResolverOpts) *Resolver {
	t.Helper()
	r, err := NewResolver(opts)
	require.NoError(t, err)
	return r
}

func TestDetect(t *testing.T) {
	r := newResolver(t, ResolverOpts{})

	tests := []struct {
		name     string
		local    *Change
		server   *Change
		wantType ConflictType
		wantNil  bool
	}{
		{
			name:    "different documents",
			local:   change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
			server:  change(Update, "users", "u2", map[string]interface{}{"name": "b"}, 2),
			wantNil: true,
		},
		{
			name:    "different tables",
			local:   change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
			server:  change(Update, "tasks", "u1", map[string]interface{}{"name": "b"}, 2),
			wantNil: true,
		},
		{
			name:    "delete delete",
			local:   change(Delete, "users", "u1", nil, 1),
			server:  change(Delete, "users", "u1", nil, 2),
			wantNil: true,
		},
		{
			name:     "delete update",
			local:    change(Delete, "users", "u1", nil, 1),
			server:   change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
			wantType: DeleteUpdate,
		},
		{
			name:     "update delete",
			local:    change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
			server:   change(Delete, "users", "u1", nil, 2),
			wantType: UpdateDelete,
		},
		{
			name:    "no overlapping differing fields",
			local:   change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
			server:  change(Update, "users", "u1", map[string]interface{}{"email": "b"}, 2),
			wantNil: true,
		},
		{
			name:    "overlapping equal fields",
			local:   change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
			server:  change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 2),
			wantNil: true,
		},
		{
			name:     "field conflict",
			local:    change(Update, "users", "u1", map[string]interface{}{"name": "a", "bio": "x"}, 1),
			server:   change(Update, "users", "u1", map[string]interface{}{"name": "b", "bio": "x"}, 2),
			wantType: FieldConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := r.Detect(tt.local, tt.server)
			if tt.wantNil {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, tt.wantType, c.Type)
		})
	}
}

func TestDetectStaleness(t *testing.T) {
	r := newResolver(t, ResolverOpts{})

	c := r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
	)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.VersionDiff)
	assert.False(t, c.IsLocalStale)

	c = r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 5),
	)
	require.NotNil(t, c)
	assert.Equal(t, int64(4), c.VersionDiff)
	assert.True(t, c.IsLocalStale)
}

func TestDetectNotifies(t *testing.T) {
	var handled, listened int
	r := newResolver(t, ResolverOpts{
		Handler: func(*Conflict) { handled++ },
	})
	r.OnConflict(func(*Conflict) { listened++ })
	r.OnConflict(func(*Conflict) { panic("listener") })

	r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
	)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, listened)
}

func TestResolveServerWins(t *testing.T) {
	r := newResolver(t, ResolverOpts{})
	c := r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
	)
	require.NotNil(t, c)

	res, err := r.Resolve(c, ServerWins)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "b"}, res.Fields)
	assert.Equal(t, int64(2), res.Version)
}

func TestResolveClientWins(t *testing.T) {
	r := newResolver(t, ResolverOpts{})
	c := r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
	)
	require.NotNil(t, c)

	res, err := r.Resolve(c, ClientWins)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "a"}, res.Fields)
	assert.Equal(t, int64(3), res.Version)
}

func TestResolveMergeWithFieldStrategy(t *testing.T) {
	r := newResolver(t, ResolverOpts{})
	require.NoError(t, r.SetFieldStrategy("users", "name", ClientWins))

	c := r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "AL", "email": "l@x"}, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "AS", "email": "s@x"}, 2),
	)
	require.NotNil(t, c)

	res, err := r.Resolve(c, Merge)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "AL", "email": "s@x"}, res.Fields)
	assert.Equal(t, int64(3), res.Version)
	assert.Equal(t, Merge, res.Strategy)
	assert.Empty(t, res.MergedFields)
}

func TestResolveMergeOneSidedFields(t *testing.T) {
	r := newResolver(t, ResolverOpts{})
	c := r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "a", "local": "x"}, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "b", "server": "y"}, 2),
	)
	require.NotNil(t, c)

	res, err := r.Resolve(c, Merge)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "b", "local": "x", "server": "y"}, res.Fields)
	assert.Equal(t, []string{"local", "server"}, res.MergedFields)
}

func TestResolveCustomVersionGenerator(t *testing.T) {
	r := newResolver(t, ResolverOpts{
		VersionGenerator: func(n int64) int64 { return n + 10 },
	})
	c := r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
	)
	require.NotNil(t, c)

	res, err := r.Resolve(c, ClientWins)
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Version)
}

func TestResolveManual(t *testing.T) {
	c := &Conflict{
		Type:   FieldConflict,
		Local:  change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		Server: change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
	}

	r := newResolver(t, ResolverOpts{})
	_, err := r.Resolve(c, Manual)
	assert.ErrorIs(t, err, ErrManualHandlerRequired)

	r = newResolver(t, ResolverOpts{
		ManualHandlerAsync: func(context.Context, *Conflict) (*Resolution, error) {
			return &Resolution{Type: Update, Fields: map[string]interface{}{}, Version: 3}, nil
		},
	})
	_, err = r.Resolve(c, Manual)
	assert.ErrorIs(t, err, ErrAsyncHandlerInSyncResolve)

	res, err := r.ResolveAsync(context.Background(), c, Manual)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)

	r = newResolver(t, ResolverOpts{
		ManualHandler: func(*Conflict) (*Resolution, error) {
			return &Resolution{Type: Update, Fields: map[string]interface{}{"name": "m"}, Version: 9}, nil
		},
	})
	res, err = r.Resolve(c, Manual)
	require.NoError(t, err)
	assert.Equal(t, "m", res.Fields["name"])
}

func TestResolveDeleteConflicts(t *testing.T) {
	r := newResolver(t, ResolverOpts{})

	// Local deleted, server updated.
	c := r.Detect(
		change(Delete, "users", "u1", nil, 1),
		change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
	)
	require.NotNil(t, c)

	res, err := r.Resolve(c, ClientWins)
	require.NoError(t, err)
	assert.Equal(t, Delete, res.Type)
	assert.Equal(t, int64(3), res.Version)

	res, err = r.Resolve(c, ServerWins)
	require.NoError(t, err)
	assert.Equal(t, Update, res.Type)
	assert.Equal(t, map[string]interface{}{"name": "b"}, res.Fields)
	assert.Equal(t, int64(2), res.Version)

	// Local updated, server deleted.
	c = r.Detect(
		change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		change(Delete, "users", "u1", nil, 2),
	)
	require.NotNil(t, c)

	res, err = r.Resolve(c, ClientWins)
	require.NoError(t, err)
	assert.Equal(t, Update, res.Type)
	assert.Equal(t, map[string]interface{}{"name": "a"}, res.Fields)

	res, err = r.Resolve(c, ServerWins)
	require.NoError(t, err)
	assert.Equal(t, Delete, res.Type)
}

func TestResolveWith(t *testing.T) {
	r := newResolver(t, ResolverOpts{})
	c := &Conflict{
		Type:   FieldConflict,
		Local:  change(Update, "users", "u1", map[string]interface{}{"name": "a"}, 1),
		Server: change(Update, "users", "u1", map[string]interface{}{"name": "b"}, 2),
	}

	res, err := r.ResolveWith(c, func(local, _ *Change) (*Resolution, error) {
		return &Resolution{Fields: local.Fields, Version: 7}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Update, res.Type)
	assert.Equal(t, int64(7), res.Version)

	_, err = r.ResolveWith(c, func(_, _ *Change) (*Resolution, error) {
		return nil, fmt.Errorf("boom")
	})
	var rerr *ResolutionError
	assert.ErrorAs(t, err, &rerr)

	_, err = r.ResolveWith(c, func(_, _ *Change) (*Resolution, error) {
		return nil, nil
	})
	assert.ErrorAs(t, err, &rerr)

	_, err = r.ResolveWith(c, func(_, _ *Change) (*Resolution, error) {
		return &Resolution{Version: 7}, nil
	})
	assert.ErrorAs(t, err, &rerr)
}

func TestResolveInvalidStrategy(t *testing.T) {
	r := newResolver(t, ResolverOpts{})
	_, err := r.Resolve(&Conflict{}, Strategy("nope"))
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = NewResolver(ResolverOpts{DefaultStrategy: Strategy("nope")})
	assert.ErrorIs(t, err, ErrInvalidStrategy)
}

func TestFieldStrategyStore(t *testing.T) {
	r := newResolver(t, ResolverOpts{})

	require.NoError(t, r.SetFieldStrategy("users", "name", ClientWins))
	assert.Equal(t, ClientWins, r.GetFieldStrategy("users", "name"))
	assert.Equal(t, ServerWins, r.GetFieldStrategy("users", "email"))
	assert.Equal(t, ServerWins, r.GetFieldStrategy("tasks", "name"))

	assert.ErrorIs(t, r.SetFieldStrategy("users", "x", Strategy("nope")), ErrInvalidStrategy)

	r.ClearFieldStrategies("users")
	assert.Equal(t, ServerWins, r.GetFieldStrategy("users", "name"))

	require.NoError(t, r.SetFieldStrategy("users", "name", Merge))
	r.ClearAllFieldStrategies()
	assert.Equal(t, ServerWins, r.GetFieldStrategy("users", "name"))
}
