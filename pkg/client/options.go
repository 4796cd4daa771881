package client

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syncwire/go-sync-engine/pkg/changes"
	"github.com/syncwire/go-sync-engine/pkg/conflict"
	"github.com/syncwire/go-sync-engine/pkg/connection"
	"github.com/syncwire/go-sync-engine/pkg/optimistic"
	"github.com/syncwire/go-sync-engine/pkg/subscription"
)

// Options configures a Client.
type Options struct {
	// URL of the sync endpoint; ws or wss scheme.
	URL string
	// Protocols are the websocket subprotocols to offer.
	Protocols []string
	// AuthToken, when set, is sent in an authenticate message after
	// every connect.
	AuthToken string
	// Strict rejects unknown fields on inbound messages.
	Strict bool
	// Reconnect enables automatic reconnection after abnormal closes.
	Reconnect bool
	// ConnectionTimeout bounds each open attempt.
	ConnectionTimeout time.Duration
	// QueueWhenDisconnected holds outbound messages while disconnected.
	QueueWhenDisconnected bool
	// MaxQueueSize caps the outbound queue.
	MaxQueueSize int
	// PingInterval sends keepalive pings while connected; 0 disables.
	PingInterval time.Duration

	// ReconnectInitialDelay seeds the reconnect backoff.
	ReconnectInitialDelay time.Duration
	// ReconnectMaxDelay caps the reconnect backoff.
	ReconnectMaxDelay time.Duration
	// ReconnectMaxAttempts caps consecutive attempts; nil defaults to
	// 10 and 0 means unlimited.
	ReconnectMaxAttempts *int
	// ReconnectBackoffMultiplier grows the delay per attempt.
	ReconnectBackoffMultiplier float64
	// ReconnectBackoff selects linear or exponential growth.
	ReconnectBackoff connection.BackoffKind
	// ReconnectJitter spreads each delay; nil defaults to 0.1.
	ReconnectJitter *float64
	// NetworkDetector gates reconnect scheduling on network state.
	NetworkDetector func() bool

	// Subscriptions configures the subscription registry.
	Subscriptions subscription.RegistryOpts
	// Optimistic configures the optimistic update engine.
	Optimistic optimistic.EngineOpts
	// Conflict configures the conflict resolver.
	Conflict conflict.ResolverOpts
	// Detector configures the change detector.
	Detector changes.DetectorOpts

	// TransportFactory overrides transport construction; used in tests.
	TransportFactory func(url string, protocols []string) (connection.Transport, error)

	Logger logrus.FieldLogger
}
