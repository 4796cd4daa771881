// Package conflict detects concurrent writes to the same document and
// resolves them with per-field strategies and pluggable policies.
package conflict

import (
	"fmt"
	"time"
)

// ChangeType discriminates the intent of a change.
type ChangeType string

const (
	// Update carries a field map to apply.
	Update = ChangeType("update")
	// Delete removes the document.
	Delete = ChangeType("delete")
)

// Change is one side of a potential conflict: a write addressed at a
// (table, document) pair.
type Change struct {
	Type       ChangeType             `json:"type"`
	Table      string                 `json:"table"`
	DocumentID string                 `json:"documentId"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Version    int64                  `json:"version"`
	Timestamp  time.Time              `json:"timestamp"`
}

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	// FieldConflict means both sides updated overlapping fields with
	// different values.
	FieldConflict = ConflictType("fieldConflict")
	// DeleteUpdate means the local change deleted a document the server
	// updated.
	DeleteUpdate = ConflictType("deleteUpdate")
	// UpdateDelete means the local change updated a document the server
	// deleted.
	UpdateDelete = ConflictType("updateDelete")
)

// Conflict describes a detected concurrent write. It is derived during
// detection and never stored.
type Conflict struct {
	Type            ConflictType `json:"type"`
	Local           *Change      `json:"local"`
	Server          *Change      `json:"server"`
	FieldConflicts  []string     `json:"fieldConflicts,omitempty"`
	LocalVersion    int64        `json:"localVersion"`
	ServerVersion   int64        `json:"serverVersion"`
	LocalTimestamp  time.Time    `json:"localTimestamp"`
	ServerTimestamp time.Time    `json:"serverTimestamp"`
	VersionDiff     int64        `json:"versionDiff"`
	IsLocalStale    bool         `json:"isLocalStale"`
}

// Strategy selects a resolution policy.
type Strategy string

const (
	// ServerWins takes the server change wholesale.
	ServerWins = Strategy("server-wins")
	// ClientWins preserves the local change and bumps past the server
	// version.
	ClientWins = Strategy("client-wins")
	// Merge combines both field maps, deferring to per-field strategies
	// on contested keys.
	Merge = Strategy("merge")
	// Manual delegates to a configured handler.
	Manual = Strategy("manual")
)

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	Type         ChangeType             `json:"type"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	Version      int64                  `json:"version"`
	Strategy     Strategy               `json:"strategy"`
	MergedFields []string               `json:"mergedFields,omitempty"`
}

// CustomResolver computes a resolution from both sides of a conflict.
type CustomResolver func(local, server *Change) (*Resolution, error)

// ErrInvalidStrategy is returned for strategies outside the known set.
var ErrInvalidStrategy = fmt.Errorf("invalid conflict resolution strategy")

// ErrManualHandlerRequired is returned when the manual strategy is used
// without a configured handler.
var ErrManualHandlerRequired = fmt.Errorf("manual strategy requires a handler")

// ErrAsyncHandlerInSyncResolve is returned when only an asynchronous
// manual handler is configured and Resolve is invoked synchronously.
var ErrAsyncHandlerInSyncResolve = fmt.Errorf("manual handler is asynchronous, use ResolveAsync")

// ResolutionError wraps a custom resolver failure or an ill-formed
// custom resolution.
type ResolutionError struct {
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict resolution: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("conflict resolution: %s", e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
