package conflict

import (
	"context"
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"
)

// ResolverOpts configures a Resolver.
type ResolverOpts struct {
	// DefaultStrategy applies when no per-field strategy matches.
	// Defaults to ServerWins.
	DefaultStrategy Strategy
	// Handler observes detected conflicts. Resolution is separate.
	Handler func(*Conflict)
	// ManualHandler resolves conflicts under the Manual strategy.
	ManualHandler func(*Conflict) (*Resolution, error)
	// ManualHandlerAsync resolves conflicts under the Manual strategy
	// when resolution needs to suspend (user interaction, I/O).
	ManualHandlerAsync func(context.Context, *Conflict) (*Resolution, error)
	// VersionGenerator produces the winning version when the client
	// wins. Defaults to n+1.
	VersionGenerator func(serverVersion int64) int64
}

// Resolver detects and resolves concurrent writes.
type Resolver struct {
	opts ResolverOpts

	mu              sync.Mutex
	fieldStrategies map[string]map[string]Strategy
	listeners       []func(*Conflict)
}

// NewResolver constructs a Resolver, validating the configured default
// strategy.
func NewResolver(opts ResolverOpts) (*Resolver, error) {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = ServerWins
	}
	if !validStrategy(opts.DefaultStrategy) {
		return nil, ErrInvalidStrategy
	}
	if opts.VersionGenerator == nil {
		opts.VersionGenerator = func(n int64) int64 { return n + 1 }
	}
	return &Resolver{
		opts:            opts,
		fieldStrategies: map[string]map[string]Strategy{},
	}, nil
}

func validStrategy(s Strategy) bool {
	switch s {
	case ServerWins, ClientWins, Merge, Manual:
		return true
	}
	return false
}

// OnConflict registers a listener notified of every detected conflict.
func (r *Resolver) OnConflict(fn func(*Conflict)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Detect reports the conflict between a local and a server change, or
// nil when the changes do not conflict. Listeners and the configured
// handler observe every detected conflict.
func (r *Resolver) Detect(local, server *Change) *Conflict {
	if local == nil || server == nil {
		return nil
	}
	if local.Table != server.Table || local.DocumentID != server.DocumentID {
		return nil
	}
	if local.Type == Delete && server.Type == Delete {
		return nil
	}

	c := &Conflict{
		Local:           local,
		Server:          server,
		LocalVersion:    local.Version,
		ServerVersion:   server.Version,
		LocalTimestamp:  local.Timestamp,
		ServerTimestamp: server.Timestamp,
		VersionDiff:     server.Version - local.Version,
		IsLocalStale:    server.Version-local.Version > 1,
	}

	switch {
	case local.Type == Delete && server.Type == Update:
		c.Type = DeleteUpdate
	case local.Type == Update && server.Type == Delete:
		c.Type = UpdateDelete
	default:
		conflicts := fieldConflicts(local.Fields, server.Fields)
		if len(conflicts) == 0 {
			return nil
		}
		c.Type = FieldConflict
		c.FieldConflicts = conflicts
	}

	r.notify(c)
	return c
}

func (r *Resolver) notify(c *Conflict) {
	r.mu.Lock()
	listeners := make([]func(*Conflict), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		guard(func() { fn(c) })
	}
	if r.opts.Handler != nil {
		guard(func() { r.opts.Handler(c) })
	}
}

func guard(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

// fieldConflicts returns the sorted keys present in both field maps
// whose values are not deeply equal.
func fieldConflicts(local, server map[string]interface{}) []string {
	var out []string
	for k, lv := range local {
		sv, present := server[k]
		if !present {
			continue
		}
		if !cmp.Equal(lv, sv) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve resolves a conflict with the given strategy. An empty
// strategy uses the resolver's default.
func (r *Resolver) Resolve(c *Conflict, strategy Strategy) (*Resolution, error) {
	if strategy == "" {
		strategy = r.opts.DefaultStrategy
	}
	if !validStrategy(strategy) {
		return nil, ErrInvalidStrategy
	}

	if strategy == Manual {
		if r.opts.ManualHandler == nil {
			if r.opts.ManualHandlerAsync != nil {
				return nil, ErrAsyncHandlerInSyncResolve
			}
			return nil, ErrManualHandlerRequired
		}
		return r.opts.ManualHandler(c)
	}

	if c.Type == DeleteUpdate || c.Type == UpdateDelete {
		return r.resolveDelete(c, strategy), nil
	}

	switch strategy {
	case ServerWins:
		return &Resolution{
			Type:     Update,
			Fields:   c.Server.Fields,
			Version:  c.Server.Version,
			Strategy: ServerWins,
		}, nil
	case ClientWins:
		return &Resolution{
			Type:     Update,
			Fields:   c.Local.Fields,
			Version:  r.opts.VersionGenerator(c.Server.Version),
			Strategy: ClientWins,
		}, nil
	default:
		return r.merge(c), nil
	}
}

// ResolveAsync is Resolve for configurations whose manual handler needs
// to suspend.
func (r *Resolver) ResolveAsync(ctx context.Context, c *Conflict, strategy Strategy) (*Resolution, error) {
	if strategy == "" {
		strategy = r.opts.DefaultStrategy
	}
	if strategy == Manual && r.opts.ManualHandler == nil && r.opts.ManualHandlerAsync != nil {
		return r.opts.ManualHandlerAsync(ctx, c)
	}
	return r.Resolve(c, strategy)
}

// ResolveWith resolves a conflict with a custom resolver function. The
// returned resolution must carry fields (for updates) and a version.
func (r *Resolver) ResolveWith(c *Conflict, fn CustomResolver) (*Resolution, error) {
	res, err := fn(c.Local, c.Server)
	if err != nil {
		return nil, &ResolutionError{Reason: "custom resolver failed", Err: err}
	}
	if res == nil {
		return nil, &ResolutionError{Reason: "custom resolver returned nil"}
	}
	if res.Type == "" {
		res.Type = Update
	}
	if res.Type == Update && res.Fields == nil {
		return nil, &ResolutionError{Reason: "custom resolver returned no fields"}
	}
	return res, nil
}

// merge combines both field maps. Fields present on one side are taken
// verbatim and reported in MergedFields; contested fields defer to the
// per-field strategy, falling back to server-wins.
func (r *Resolver) merge(c *Conflict) *Resolution {
	fields := make(map[string]interface{}, len(c.Server.Fields)+len(c.Local.Fields))
	var merged []string

	for k, sv := range c.Server.Fields {
		lv, present := c.Local.Fields[k]
		if !present {
			fields[k] = sv
			merged = append(merged, k)
			continue
		}
		if cmp.Equal(lv, sv) {
			fields[k] = sv
			continue
		}
		switch r.GetFieldStrategy(c.Local.Table, k) {
		case ClientWins:
			fields[k] = lv
		default:
			fields[k] = sv
		}
	}
	for k, lv := range c.Local.Fields {
		if _, present := c.Server.Fields[k]; !present {
			fields[k] = lv
			merged = append(merged, k)
		}
	}
	sort.Strings(merged)

	return &Resolution{
		Type:         Update,
		Fields:       fields,
		Version:      r.opts.VersionGenerator(c.Server.Version),
		Strategy:     Merge,
		MergedFields: merged,
	}
}

// resolveDelete settles delete conflicts by strategy direction:
// client-wins preserves the local intent, anything else takes the
// server intent.
func (r *Resolver) resolveDelete(c *Conflict, strategy Strategy) *Resolution {
	winner := c.Server
	version := c.Server.Version
	if strategy == ClientWins {
		winner = c.Local
		version = r.opts.VersionGenerator(c.Server.Version)
	}
	res := &Resolution{
		Type:     winner.Type,
		Version:  version,
		Strategy: strategy,
	}
	if winner.Type == Update {
		res.Fields = winner.Fields
	}
	return res
}
