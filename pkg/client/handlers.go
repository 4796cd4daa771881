package client

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/syncwire/go-sync-engine/pkg/dispatch"
	"github.com/syncwire/go-sync-engine/pkg/wire"
)

// handleInbound decodes one transport payload and routes it.
func (c *Client) handleInbound(payload interface{}) {
	var raw []byte
	switch p := payload.(type) {
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	default:
		c.logger.Warnf("dropping inbound payload of type %T", payload)
		return
	}

	msg, err := wire.Decode(raw, c.opts.Strict)
	if err != nil {
		c.logger.WithError(err).Warn("dropping invalid message")
		return
	}
	if err := c.routes.Do(context.Background(), msg); err != nil {
		c.logger.WithError(err).WithField("type", msg.Type()).
			Warn("inbound message handling failed")
	}
}

func (c *Client) registerRoutes() {
	c.routes.MustRegister(dispatch.Kind(wire.TypeQueryResult), c.handleQueryResult)
	c.routes.MustRegister(dispatch.Kind(wire.TypeMutationResult), c.handleMutationResult)
	c.routes.MustRegister(dispatch.Kind(wire.TypeActionResult), c.handleActionResult)
	c.routes.MustRegister(dispatch.Kind(wire.TypeError), c.handleError)
	c.routes.MustRegister(dispatch.Kind(wire.TypePing), c.handlePing)
	c.routes.MustRegister(dispatch.Kind(wire.TypePong), c.handlePong)
	c.routes.MustRegister(dispatch.Kind(wire.TypeAuthenticated), c.handleAuthenticated)
	c.routes.MustRegister(dispatch.Kind(wire.TypeTransition), c.handleTransition)
	c.routes.MustRegister(dispatch.Kind(wire.TypeModifyQuerySet), c.handleModifyQuerySet)
}

// handleQueryResult updates every local subscription bound to the
// query and feeds the change detector for dependency invalidation.
func (c *Client) handleQueryResult(_ context.Context, msg wire.Message) error {
	qr := msg.(wire.QueryResult)

	c.mu.Lock()
	binding, ok := c.queries[qr.QueryID]
	if !ok {
		c.mu.Unlock()
		c.logger.WithField("queryId", qr.QueryID).Debug("result for unknown query")
		return nil
	}
	old := c.snapshots[qr.QueryID]
	isInitial := !binding.seen
	binding.seen = true
	c.snapshots[qr.QueryID] = qr.Value
	if qr.Journal != nil {
		c.journals[qr.QueryID] = *qr.Journal
	}
	query, args := binding.query, binding.args
	c.mu.Unlock()

	for _, line := range qr.LogLines {
		c.logger.WithField("queryId", qr.QueryID).Debug(line)
	}

	cs := c.detector.DetectChanges(old, qr.Value)
	if !cs.Empty() {
		if affected := c.deps.AffectedQueries(cs); len(affected) > 0 {
			c.logger.WithFields(logrus.Fields{
				"queryId":  qr.QueryID,
				"affected": affected,
			}).Debug("change set invalidates queries")
		}
	}

	c.registry.UpdateByQuery(query, args, qr.Value, isInitial)
	return nil
}

func (c *Client) handleMutationResult(_ context.Context, msg wire.Message) error {
	mr := msg.(wire.MutationResult)
	if !c.resolvePending(mr.RequestID, mr) {
		c.logger.WithField("requestId", mr.RequestID).Debug("unmatched mutation result")
	}
	return nil
}

func (c *Client) handleActionResult(_ context.Context, msg wire.Message) error {
	ar := msg.(wire.ActionResult)
	if !c.resolvePending(ar.RequestID, ar) {
		c.logger.WithField("requestId", ar.RequestID).Debug("unmatched action result")
	}
	return nil
}

// handleError correlates request-scoped errors; uncorrelated errors
// are surfaced through the log only.
func (c *Client) handleError(_ context.Context, msg wire.Message) error {
	errMsg := msg.(wire.Error)
	if errMsg.RequestID != "" && c.resolvePending(errMsg.RequestID, errMsg) {
		return nil
	}
	c.logger.WithFields(logrus.Fields{
		"errorCode": errMsg.ErrorCode,
	}).Error(errMsg.Error)
	return nil
}

func (c *Client) handlePing(_ context.Context, _ wire.Message) error {
	return c.send(wire.Pong{})
}

func (c *Client) handlePong(_ context.Context, _ wire.Message) error {
	return nil
}

func (c *Client) handleAuthenticated(_ context.Context, msg wire.Message) error {
	auth := msg.(wire.Authenticated)
	c.mu.Lock()
	c.identity = auth.Identity
	c.mu.Unlock()
	return nil
}

// handleTransition advances the client version across the server's
// range. Regressions are dropped.
func (c *Client) handleTransition(_ context.Context, msg wire.Message) error {
	t := msg.(wire.Transition)
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.EndVersion < c.version {
		c.logger.WithFields(logrus.Fields{
			"have": c.version,
			"end":  t.EndVersion,
		}).Warn("dropping version regression")
		return nil
	}
	if t.StartVersion != c.version {
		c.logger.WithFields(logrus.Fields{
			"have":  c.version,
			"start": t.StartVersion,
		}).Debug("transition from unexpected base version")
	}
	c.version = t.EndVersion
	return nil
}

func (c *Client) handleModifyQuerySet(_ context.Context, msg wire.Message) error {
	m := msg.(wire.ModifyQuerySet)
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.NewVersion < c.version {
		return nil
	}
	c.version = m.NewVersion
	return nil
}
