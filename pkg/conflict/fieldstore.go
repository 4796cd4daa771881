package conflict

// SetFieldStrategy records the strategy used for a (table, field) pair
// during merges.
func (r *Resolver) SetFieldStrategy(table, field string, strategy Strategy) error {
	if !validStrategy(strategy) {
		return ErrInvalidStrategy
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fields, ok := r.fieldStrategies[table]
	if !ok {
		fields = map[string]Strategy{}
		r.fieldStrategies[table] = fields
	}
	fields[field] = strategy
	return nil
}

// GetFieldStrategy returns the strategy for a (table, field) pair,
// falling back to the resolver's default strategy.
func (r *Resolver) GetFieldStrategy(table, field string) Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fields, ok := r.fieldStrategies[table]; ok {
		if s, ok := fields[field]; ok {
			return s
		}
	}
	return r.opts.DefaultStrategy
}

// ClearFieldStrategies drops every per-field strategy for a table.
func (r *Resolver) ClearFieldStrategies(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fieldStrategies, table)
}

// ClearAllFieldStrategies drops every per-field strategy.
func (r *Resolver) ClearAllFieldStrategies() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fieldStrategies = map[string]map[string]Strategy{}
}
