// Package file loads engine configuration from YAML or JSON files,
// merging user values over the defaults.
package file

import (
	"fmt"
	"time"

	"github.com/syncwire/go-sync-engine/pkg/changes"
	"github.com/syncwire/go-sync-engine/pkg/client"
	"github.com/syncwire/go-sync-engine/pkg/conflict"
	"github.com/syncwire/go-sync-engine/pkg/connection"
	"github.com/syncwire/go-sync-engine/pkg/optimistic"
	"github.com/syncwire/go-sync-engine/pkg/subscription"
)

// ConnectionConfig is the transport-facing configuration. Durations are
// milliseconds.
type ConnectionConfig struct {
	Protocols             []string `json:"protocols,omitempty"`
	Reconnect             *bool    `json:"reconnect,omitempty"`
	ConnectionTimeout     *int     `json:"connectionTimeout,omitempty"`
	BinaryType            string   `json:"binaryType,omitempty"`
	ParseJSON             *bool    `json:"parseJson,omitempty"`
	QueueWhenDisconnected *bool    `json:"queueWhenDisconnected,omitempty"`
	MaxQueueSize          *int     `json:"maxQueueSize,omitempty"`
	PingInterval          *int     `json:"pingInterval,omitempty"`
}

// ReconnectionConfig configures the reconnect submachine. Durations are
// milliseconds.
type ReconnectionConfig struct {
	InitialDelay      *int     `json:"initialDelay,omitempty"`
	MaxDelay          *int     `json:"maxDelay,omitempty"`
	MaxAttempts       *int     `json:"maxAttempts,omitempty"`
	BackoffMultiplier *float64 `json:"backoffMultiplier,omitempty"`
	Backoff           string   `json:"backoff,omitempty"`
	Jitter            *float64 `json:"jitter,omitempty"`
}

// ConflictConfig configures conflict resolution.
type ConflictConfig struct {
	DefaultStrategy string `json:"defaultStrategy,omitempty"`
}

// SubscriptionsConfig configures the subscription registry.
type SubscriptionsConfig struct {
	MaxSubscriptions         *int  `json:"maxSubscriptions,omitempty"`
	DeduplicateSubscriptions *bool `json:"deduplicateSubscriptions,omitempty"`
	TrackHistory             *bool `json:"trackHistory,omitempty"`
}

// OptimisticConfig configures the optimistic update engine.
type OptimisticConfig struct {
	MaxPendingUpdates *int  `json:"maxPendingUpdates,omitempty"`
	EnableLogging     *bool `json:"enableLogging,omitempty"`
}

// ChangeDetectionConfig configures the change detector.
type ChangeDetectionConfig struct {
	DeepCompare     *bool  `json:"deepCompare,omitempty"`
	TrackArrayOrder *bool  `json:"trackArrayOrder,omitempty"`
	IdentityField   string `json:"identityField,omitempty"`
}

// Config is the full declarative configuration of the engine.
type Config struct {
	URL       string `json:"url,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
	Strict    *bool  `json:"strict,omitempty"`

	Connection      ConnectionConfig      `json:"connection,omitempty"`
	Reconnection    ReconnectionConfig    `json:"reconnection,omitempty"`
	Conflict        ConflictConfig        `json:"conflict,omitempty"`
	Subscriptions   SubscriptionsConfig   `json:"subscriptions,omitempty"`
	Optimistic      OptimisticConfig      `json:"optimistic,omitempty"`
	ChangeDetection ChangeDetectionConfig `json:"changeDetection,omitempty"`
}

func boolPtr(v bool) *bool          { return &v }
func intPtr(v int) *int             { return &v }
func floatPtr(v float64) *float64   { return &v }

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Strict: boolPtr(false),
		Connection: ConnectionConfig{
			Reconnect:             boolPtr(false),
			ConnectionTimeout:     intPtr(30000),
			ParseJSON:             boolPtr(false),
			QueueWhenDisconnected: boolPtr(false),
			MaxQueueSize:          intPtr(100),
			PingInterval:          intPtr(0),
		},
		Reconnection: ReconnectionConfig{
			InitialDelay:      intPtr(1000),
			MaxDelay:          intPtr(30000),
			MaxAttempts:       intPtr(10),
			BackoffMultiplier: floatPtr(2),
			Backoff:           string(connection.BackoffExponential),
			Jitter:            floatPtr(0.1),
		},
		Conflict: ConflictConfig{
			DefaultStrategy: string(conflict.ServerWins),
		},
		Subscriptions: SubscriptionsConfig{
			MaxSubscriptions:         intPtr(0),
			DeduplicateSubscriptions: boolPtr(true),
			TrackHistory:             boolPtr(false),
		},
		Optimistic: OptimisticConfig{
			MaxPendingUpdates: intPtr(0),
			EnableLogging:     boolPtr(false),
		},
		ChangeDetection: ChangeDetectionConfig{
			DeepCompare:     boolPtr(false),
			TrackArrayOrder: boolPtr(false),
			IdentityField:   "_id",
		},
	}
}

// Validate checks the cross-field constraints the components would
// reject later, aggregating every violation.
func (c Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, fmt.Errorf("url is required"))
	}
	if c.Reconnection.InitialDelay != nil && *c.Reconnection.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("reconnection.initialDelay must be non-negative"))
	}
	if c.Reconnection.MaxDelay != nil && c.Reconnection.InitialDelay != nil &&
		*c.Reconnection.MaxDelay < *c.Reconnection.InitialDelay {
		errs = append(errs, fmt.Errorf("reconnection.maxDelay must be >= initialDelay"))
	}
	if c.Reconnection.BackoffMultiplier != nil && *c.Reconnection.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("reconnection.backoffMultiplier must be >= 1"))
	}
	if c.Reconnection.Jitter != nil && (*c.Reconnection.Jitter < 0 || *c.Reconnection.Jitter > 1) {
		errs = append(errs, fmt.Errorf("reconnection.jitter must be within [0, 1]"))
	}
	switch conflict.Strategy(c.Conflict.DefaultStrategy) {
	case "", conflict.ServerWins, conflict.ClientWins, conflict.Merge, conflict.Manual:
	default:
		errs = append(errs, fmt.Errorf("conflict.defaultStrategy %q is unknown", c.Conflict.DefaultStrategy))
	}
	switch connection.BackoffKind(c.Reconnection.Backoff) {
	case "", connection.BackoffExponential, connection.BackoffLinear:
	default:
		errs = append(errs, fmt.Errorf("reconnection.backoff %q is unknown", c.Reconnection.Backoff))
	}
	if len(errs) > 0 {
		return validationError(errs)
	}
	return nil
}

// ClientOptions renders the configuration as client options.
func (c Config) ClientOptions() client.Options {
	opts := client.Options{
		URL:       c.URL,
		AuthToken: c.AuthToken,
		Protocols: c.Connection.Protocols,
	}
	if c.Strict != nil {
		opts.Strict = *c.Strict
	}
	if c.Connection.Reconnect != nil {
		opts.Reconnect = *c.Connection.Reconnect
	}
	if c.Connection.ConnectionTimeout != nil {
		opts.ConnectionTimeout = ms(*c.Connection.ConnectionTimeout)
	}
	if c.Connection.QueueWhenDisconnected != nil {
		opts.QueueWhenDisconnected = *c.Connection.QueueWhenDisconnected
	}
	if c.Connection.MaxQueueSize != nil {
		opts.MaxQueueSize = *c.Connection.MaxQueueSize
	}
	if c.Connection.PingInterval != nil {
		opts.PingInterval = ms(*c.Connection.PingInterval)
	}
	if c.Reconnection.InitialDelay != nil {
		opts.ReconnectInitialDelay = ms(*c.Reconnection.InitialDelay)
	}
	if c.Reconnection.MaxDelay != nil {
		opts.ReconnectMaxDelay = ms(*c.Reconnection.MaxDelay)
	}
	opts.ReconnectMaxAttempts = c.Reconnection.MaxAttempts
	if c.Reconnection.BackoffMultiplier != nil {
		opts.ReconnectBackoffMultiplier = *c.Reconnection.BackoffMultiplier
	}
	opts.ReconnectBackoff = connection.BackoffKind(c.Reconnection.Backoff)
	opts.ReconnectJitter = c.Reconnection.Jitter

	opts.Conflict = conflict.ResolverOpts{
		DefaultStrategy: conflict.Strategy(c.Conflict.DefaultStrategy),
	}
	opts.Subscriptions = subscription.RegistryOpts{}
	if c.Subscriptions.MaxSubscriptions != nil {
		opts.Subscriptions.MaxSubscriptions = *c.Subscriptions.MaxSubscriptions
	}
	if c.Subscriptions.DeduplicateSubscriptions != nil {
		opts.Subscriptions.DeduplicateSubscriptions = *c.Subscriptions.DeduplicateSubscriptions
	}
	if c.Subscriptions.TrackHistory != nil {
		opts.Subscriptions.TrackHistory = *c.Subscriptions.TrackHistory
	}
	opts.Optimistic = optimistic.EngineOpts{}
	if c.Optimistic.MaxPendingUpdates != nil {
		opts.Optimistic.MaxPendingUpdates = *c.Optimistic.MaxPendingUpdates
	}
	if c.Optimistic.EnableLogging != nil {
		opts.Optimistic.EnableLogging = *c.Optimistic.EnableLogging
	}
	opts.Detector = changes.DetectorOpts{
		IdentityField: c.ChangeDetection.IdentityField,
	}
	if c.ChangeDetection.DeepCompare != nil {
		opts.Detector.DeepCompare = *c.ChangeDetection.DeepCompare
	}
	if c.ChangeDetection.TrackArrayOrder != nil {
		opts.Detector.TrackArrayOrder = *c.ChangeDetection.TrackArrayOrder
	}
	return opts
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
