package changes

import (
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Dependency maps a query onto the tables and fields it reads.
type Dependency struct {
	QueryID string
	Tables  []string
	Fields  []string
}

// DependencyRegistry resolves change sets to the queries they
// invalidate. Fields support exact match, dot-prefix match and a
// trailing wildcard segment ("profile.*").
type DependencyRegistry struct {
	mu   sync.Mutex
	deps map[string]Dependency
}

// NewDependencyRegistry constructs an empty registry.
func NewDependencyRegistry() *DependencyRegistry {
	return &DependencyRegistry{deps: map[string]Dependency{}}
}

// Register records the tables and fields a query depends on. A second
// registration for the same query replaces the first.
func (r *DependencyRegistry) Register(queryID string, tables, fields []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps[queryID] = Dependency{QueryID: queryID, Tables: tables, Fields: fields}
}

// Unregister drops a query's dependency record.
func (r *DependencyRegistry) Unregister(queryID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.deps[queryID]
	delete(r.deps, queryID)
	return ok
}

// Dependencies returns a snapshot of the registered dependencies.
func (r *DependencyRegistry) Dependencies() []Dependency {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Values(r.deps)
}

// AffectedQueries reports the ids of queries whose dependencies
// intersect the change set. The result is deduplicated.
func (r *DependencyRegistry) AffectedQueries(cs ChangeSet) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []string
	collect := func(changes []Change) {
		for _, c := range changes {
			if len(c.Path) == 0 {
				continue
			}
			table, ok := c.Path[0].(string)
			if !ok {
				continue
			}
			fieldPath := fieldTail(c.Path)
			for _, dep := range r.deps {
				if !lo.Contains(dep.Tables, table) {
					continue
				}
				if len(dep.Fields) == 0 || matchesAnyField(fieldPath, dep.Fields) {
					affected = append(affected, dep.QueryID)
				}
			}
		}
	}
	collect(cs.Added)
	collect(cs.Removed)
	collect(cs.Modified)

	return lo.Uniq(affected)
}

// fieldTail renders path[2:] as a dotted field path; the first element
// is the table and the second addresses the document.
func fieldTail(path []interface{}) string {
	if len(path) < 3 {
		return ""
	}
	return FormatPath(path[2:])
}

func matchesAnyField(fieldPath string, fields []string) bool {
	for _, f := range fields {
		if matchesField(fieldPath, f) {
			return true
		}
	}
	return false
}

func matchesField(fieldPath, pattern string) bool {
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(fieldPath, prefix)
	}
	if fieldPath == pattern {
		return true
	}
	return strings.HasPrefix(fieldPath, pattern+".")
}
