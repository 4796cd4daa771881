// Package client is the top-level sync engine: it wires the connection
// manager, subscription registry, optimistic engine, conflict resolver
// and change detector together over one message channel.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/syncwire/go-sync-engine/pkg/changes"
	"github.com/syncwire/go-sync-engine/pkg/conflict"
	"github.com/syncwire/go-sync-engine/pkg/connection"
	"github.com/syncwire/go-sync-engine/pkg/dispatch"
	"github.com/syncwire/go-sync-engine/pkg/optimistic"
	"github.com/syncwire/go-sync-engine/pkg/subscription"
	"github.com/syncwire/go-sync-engine/pkg/wire"
)

// queryBinding maps a wire query id back to the query identity that
// produced it.
type queryBinding struct {
	query string
	args  interface{}
	seen  bool
}

// Client is the stateful middleware between an application and a sync
// server.
type Client struct {
	opts   Options
	logger logrus.FieldLogger

	manager     *connection.Manager
	reconnector *connection.Reconnector
	registry    *subscription.Registry
	engine      *optimistic.Engine
	resolver    *conflict.Resolver
	detector    *changes.Detector
	deps        *changes.DependencyRegistry
	routes      dispatch.Registry

	mu        sync.Mutex
	instance  string
	counter   uint64
	rng       *rand.Rand
	pending   map[string]chan wire.Message
	queries   map[string]*queryBinding
	subQuery  map[string]string
	journals  map[string]wire.ResultJournal
	snapshots map[string]interface{}
	version   int64
	identity  *wire.Identity
	pingStop  chan struct{}
	disposed  bool
}

// New validates the configuration and assembles a Client.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}

	registry, err := subscription.NewRegistry(opts.Subscriptions)
	if err != nil {
		return nil, err
	}
	resolver, err := conflict.NewResolver(opts.Conflict)
	if err != nil {
		return nil, err
	}

	manager, err := connection.NewManager(connection.ManagerOpts{
		URL:                   opts.URL,
		Protocols:             opts.Protocols,
		Reconnect:             opts.Reconnect,
		ConnectionTimeout:     opts.ConnectionTimeout,
		QueueWhenDisconnected: opts.QueueWhenDisconnected,
		MaxQueueSize:          opts.MaxQueueSize,
		TransportFactory:      opts.TransportFactory,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:      opts,
		logger:    logger,
		manager:   manager,
		registry:  registry,
		engine:    optimistic.NewEngine(opts.Optimistic),
		resolver:  resolver,
		detector:  changes.NewDetector(opts.Detector),
		deps:      changes.NewDependencyRegistry(),
		instance:  uuid.NewString()[:8],
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:   map[string]chan wire.Message{},
		queries:   map[string]*queryBinding{},
		subQuery:  map[string]string{},
		journals:  map[string]wire.ResultJournal{},
		snapshots: map[string]interface{}{},
	}

	reconnector, err := connection.NewReconnector(connection.ReconnectorOpts{
		InitialDelay:      opts.ReconnectInitialDelay,
		MaxDelay:          opts.ReconnectMaxDelay,
		MaxAttempts:       opts.ReconnectMaxAttempts,
		BackoffMultiplier: opts.ReconnectBackoffMultiplier,
		Backoff:           opts.ReconnectBackoff,
		Jitter:            opts.ReconnectJitter,
		NetworkDetector:   opts.NetworkDetector,
		Connect:           c.reconnect,
		Restore:           c.restore,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	c.reconnector = reconnector
	manager.SetReconnector(reconnector)
	manager.SetMessageHandler(c.handleInbound)

	c.registerRoutes()
	return c, nil
}

// Connect opens the transport and, when a token is configured, sends
// the authentication handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.manager.Connect(ctx); err != nil {
		return err
	}
	if c.opts.AuthToken != "" {
		if err := c.send(wire.Authenticate{Token: c.opts.AuthToken, BaseVersion: c.Version()}); err != nil {
			return err
		}
	}
	c.startPings()
	return nil
}

// Close closes the transport with the normal close code.
func (c *Client) Close() error {
	c.stopPings()
	return c.manager.Close(connection.CloseNormal, "client closed")
}

// Dispose tears the client down: transport, timers, registry and all
// bookkeeping. Terminal.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	pending := c.pending
	c.pending = map[string]chan wire.Message{}
	c.queries = map[string]*queryBinding{}
	c.subQuery = map[string]string{}
	c.journals = map[string]wire.ResultJournal{}
	c.snapshots = map[string]interface{}{}
	c.mu.Unlock()

	c.stopPings()
	for _, ch := range pending {
		select {
		case ch <- wire.Error{Error: "client disposed", ErrorCode: "DISPOSED"}:
		default:
		}
	}
	c.manager.Dispose()
	c.registry.Dispose()
}

// Subscribe registers a reactive query subscription and issues the
// subscribe message. Subscriptions sharing a query identity share one
// upstream subscription when deduplication is enabled.
func (c *Client) Subscribe(query string, args interface{}, callback subscription.Callback,
	opts subscription.SubscribeOpts,
) (*subscription.Subscription, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrClientDisposed
	}
	c.mu.Unlock()

	sub, err := c.registry.Subscribe(query, args, callback, opts)
	if err != nil {
		return nil, err
	}

	var queryID string
	needSend := true
	c.mu.Lock()
	if c.opts.Subscriptions.DeduplicateSubscriptions {
		queryID = "q-" + sub.Hash[:16]
		if _, exists := c.queries[queryID]; exists {
			needSend = false
		}
	} else {
		queryID = "q-" + uuid.NewString()
	}
	if needSend {
		c.queries[queryID] = &queryBinding{query: query, args: args}
	}
	c.subQuery[sub.ID] = queryID
	journal, hasJournal := c.journals[queryID]
	c.mu.Unlock()

	if needSend {
		c.reconnector.Track(connection.TrackedSubscription{
			ID:        queryID,
			QueryPath: query,
			Args:      args,
		})
		msg := wire.Subscribe{
			RequestID: c.nextRequestID(),
			QueryID:   queryID,
			Query:     query,
			Args:      args,
		}
		if hasJournal {
			msg.Journal = &wire.SubscribeJournal{Base: journal.Version}
		}
		if err := c.send(msg); err != nil {
			c.registry.Unsubscribe(sub.ID)
			c.dropQueryBinding(sub.ID, queryID)
			return nil, err
		}
	}
	return sub, nil
}

// Unsubscribe closes a subscription; when its upstream query loses its
// last subscriber the unsubscribe message is issued.
func (c *Client) Unsubscribe(id string) bool {
	c.mu.Lock()
	queryID := c.subQuery[id]
	c.mu.Unlock()

	if !c.registry.Unsubscribe(id) {
		return false
	}
	if queryID == "" {
		return true
	}
	if c.dropQueryBinding(id, queryID) {
		c.reconnector.Untrack(queryID)
		if err := c.send(wire.Unsubscribe{QueryID: queryID}); err != nil {
			c.logger.WithError(err).Warn("failed to send unsubscribe")
		}
	}
	return true
}

// dropQueryBinding removes the subscription→query link and reports
// whether the query lost its last subscriber.
func (c *Client) dropQueryBinding(subID, queryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subQuery, subID)
	for _, qid := range c.subQuery {
		if qid == queryID {
			return false
		}
	}
	delete(c.queries, queryID)
	delete(c.journals, queryID)
	delete(c.snapshots, queryID)
	return true
}

// Version returns the last server version this client transitioned to.
func (c *Client) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Identity returns the authenticated principal, if any.
func (c *Client) Identity() *wire.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// OptimisticData folds the pending optimistic updates over serverData.
func (c *Client) OptimisticData(serverData interface{}) (interface{}, error) {
	return c.engine.Data(serverData, optimistic.DataOpts{})
}

// RegisterDependency records the tables and fields a query reads, for
// change-driven invalidation.
func (c *Client) RegisterDependency(queryID string, tables, fields []string) {
	c.deps.Register(queryID, tables, fields)
}

// DetectConflict reports the conflict between a local and a server
// change, notifying registered conflict listeners.
func (c *Client) DetectConflict(local, server *conflict.Change) *conflict.Conflict {
	return c.resolver.Detect(local, server)
}

// ResolveConflict resolves a detected conflict; an empty strategy uses
// the configured default.
func (c *Client) ResolveConflict(cf *conflict.Conflict, strategy conflict.Strategy) (*conflict.Resolution, error) {
	return c.resolver.Resolve(cf, strategy)
}

// Subscriptions exposes the subscription registry.
func (c *Client) Subscriptions() *subscription.Registry { return c.registry }

// Optimistic exposes the optimistic update engine.
func (c *Client) Optimistic() *optimistic.Engine { return c.engine }

// Conflicts exposes the conflict resolver.
func (c *Client) Conflicts() *conflict.Resolver { return c.resolver }

// Detector exposes the change detector.
func (c *Client) Detector() *changes.Detector { return c.detector }

// Dependencies exposes the query dependency registry.
func (c *Client) Dependencies() *changes.DependencyRegistry { return c.deps }

// Connection exposes the connection manager.
func (c *Client) Connection() *connection.Manager { return c.manager }

// Reconnection exposes the reconnect submachine.
func (c *Client) Reconnection() *connection.Reconnector { return c.reconnector }

// send encodes and writes one message.
func (c *Client) send(msg wire.Message) error {
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.manager.Send(string(raw))
}

// nextRequestID builds a correlation id from the instance tag, the
// clock, a per-instance counter and a PRNG sample.
func (c *Client) nextRequestID() string {
	c.mu.Lock()
	c.counter++
	n := c.counter
	sample := c.rng.Intn(0x10000)
	c.mu.Unlock()
	return fmt.Sprintf("req-%s-%d-%d-%04x", c.instance, time.Now().UnixMilli(), n, sample)
}

// reconnect is fired by the reconnect timer.
func (c *Client) reconnect() {
	ctx := context.Background()
	if err := c.manager.Connect(ctx); err != nil {
		c.logger.WithError(err).Warn("reconnect attempt failed")
		c.reconnector.SetLastError(err)
		c.reconnector.ScheduleReconnect()
	}
}

// restore replays the subscribe messages for the tracked set after a
// successful reconnect, carrying the last known journal per query.
func (c *Client) restore(subs []connection.TrackedSubscription) {
	for _, tracked := range subs {
		c.mu.Lock()
		journal, hasJournal := c.journals[tracked.ID]
		c.mu.Unlock()

		msg := wire.Subscribe{
			RequestID: c.nextRequestID(),
			QueryID:   tracked.ID,
			Query:     tracked.QueryPath,
			Args:      tracked.Args,
		}
		if hasJournal {
			msg.Journal = &wire.SubscribeJournal{Base: journal.Version}
		}
		if err := c.send(msg); err != nil {
			c.logger.WithError(err).WithField("query", tracked.QueryPath).
				Warn("failed to restore subscription")
		}
	}
	if c.opts.AuthToken != "" {
		if err := c.send(wire.Authenticate{Token: c.opts.AuthToken, BaseVersion: c.Version()}); err != nil {
			c.logger.WithError(err).Warn("failed to re-authenticate")
		}
	}
}

func (c *Client) startPings() {
	if c.opts.PingInterval <= 0 {
		return
	}
	c.mu.Lock()
	if c.pingStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.pingStop = stop
	c.mu.Unlock()

	ticker := time.NewTicker(c.opts.PingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.manager.State() == connection.Connected {
					if err := c.send(wire.Ping{}); err != nil {
						c.logger.WithError(err).Debug("keepalive ping failed")
					}
				}
			}
		}
	}()
}

func (c *Client) stopPings() {
	c.mu.Lock()
	stop := c.pingStop
	c.pingStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
