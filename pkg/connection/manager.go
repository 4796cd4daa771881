package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the connection lifecycle state.
type State string

const (
	// Disconnected means no transport is open.
	Disconnected = State("disconnected")
	// Connecting means an open attempt is in flight.
	Connecting = State("connecting")
	// Connected means the transport is open.
	Connected = State("connected")
)

// BinaryType selects the representation advertised for binary frames.
type BinaryType string

const (
	BinaryBlob        = BinaryType("blob")
	BinaryArrayBuffer = BinaryType("arraybuffer")
)

// ErrDisposed is returned from operations on a disposed manager.
var ErrDisposed = fmt.Errorf("connection manager disposed")

// ErrNotConnected is returned from Send while disconnected with
// queueing disabled.
var ErrNotConnected = fmt.Errorf("not connected")

// ErrAlreadyConnecting is returned from Connect while an attempt is in
// flight or the transport is already open.
var ErrAlreadyConnecting = fmt.Errorf("already connected or connecting")

// TimeoutError reports a connect attempt that exceeded the configured
// connection timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("connection timed out after %s", e.After)
}

// ManagerOpts configures a Manager.
type ManagerOpts struct {
	// URL of the sync endpoint; must use the ws or wss scheme.
	URL string
	// Protocols are the websocket subprotocols to offer.
	Protocols []string
	// Reconnect schedules reconnection after abnormal closes.
	Reconnect bool
	// ConnectionTimeout bounds each open attempt. Defaults to 30s.
	ConnectionTimeout time.Duration
	// BinaryType is retained for configuration compatibility; inbound
	// frames are byte slices either way.
	BinaryType BinaryType
	// ParseJSON decodes text frames as JSON, falling back to the raw
	// string when parsing fails.
	ParseJSON bool
	// QueueWhenDisconnected holds outbound messages while disconnected
	// and flushes them in FIFO order on open.
	QueueWhenDisconnected bool
	// MaxQueueSize caps the held messages, dropping the oldest.
	// Defaults to 100.
	MaxQueueSize int

	// TransportFactory overrides the transport construction; defaults
	// to NewWebSocketTransport.
	TransportFactory func(url string, protocols []string) (Transport, error)

	Logger logrus.FieldLogger
}

const defaultConnectionTimeout = 30 * time.Second
const defaultMaxQueueSize = 100

// Manager owns the transport handle: the connection state machine, the
// outbound queue and the connection timeout timer.
type Manager struct {
	mu    sync.Mutex
	opts  ManagerOpts
	state State

	transport Transport
	queue     *messageQueue
	timeout   *time.Timer
	pending   chan error
	disposed  bool

	messageHandler func(payload interface{})

	openListeners    []func()
	closeListeners   []func(code int, reason string)
	messageListeners []func(payload interface{})
	errorListeners   []func(err error)

	reconnector *Reconnector
	logger      logrus.FieldLogger
}

// NewManager validates the configuration and constructs a Manager in
// the Disconnected state.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.TransportFactory == nil {
		opts.TransportFactory = func(url string, protocols []string) (Transport, error) {
			return NewWebSocketTransport(url, protocols)
		}
		// Validate the URL at construction rather than first connect.
		if _, err := NewWebSocketTransport(opts.URL, opts.Protocols); err != nil {
			return nil, err
		}
	}
	switch opts.BinaryType {
	case "", BinaryBlob, BinaryArrayBuffer:
	default:
		return nil, fmt.Errorf("invalid binaryType %q", opts.BinaryType)
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = defaultConnectionTimeout
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = defaultMaxQueueSize
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		opts.Logger = l
	}
	return &Manager{
		opts:   opts,
		state:  Disconnected,
		queue:  newMessageQueue(opts.MaxQueueSize),
		logger: opts.Logger,
	}, nil
}

// SetReconnector attaches the reconnect submachine consulted after
// abnormal closes.
func (m *Manager) SetReconnector(r *Reconnector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnector = r
}

// SetMessageHandler sets the primary inbound message handler, invoked
// before listener fan-out.
func (m *Manager) SetMessageHandler(fn func(payload interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageHandler = fn
}

func (m *Manager) OnOpen(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openListeners = append(m.openListeners, fn)
}

func (m *Manager) OnClose(fn func(code int, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeListeners = append(m.closeListeners, fn)
}

func (m *Manager) OnMessage(fn func(payload interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageListeners = append(m.messageListeners, fn)
}

func (m *Manager) OnError(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorListeners = append(m.errorListeners, fn)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of messages held for the next open.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Connect opens the transport and blocks until the connection is
// established, the configured timeout fires, or the attempt fails.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.state != Disconnected {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}

	transport, err := m.opts.TransportFactory(m.opts.URL, m.opts.Protocols)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = Connecting
	m.transport = transport
	pending := make(chan error, 1)
	m.pending = pending

	transport.OnOpen(m.handleOpen)
	transport.OnClose(m.handleClose)
	transport.OnMessage(m.handleMessage)
	transport.OnError(m.handleError)

	timeout := m.opts.ConnectionTimeout
	m.timeout = time.AfterFunc(timeout, func() { m.handleTimeout(timeout) })
	m.mu.Unlock()

	if err := transport.Open(ctx); err != nil {
		m.mu.Lock()
		m.stopTimeoutLocked()
		if m.state == Connecting {
			m.state = Disconnected
		}
		m.mu.Unlock()
		return err
	}

	select {
	case err := <-pending:
		return err
	case <-ctx.Done():
		_ = m.Close(CloseNormal, "context cancelled")
		return ctx.Err()
	}
}

func (m *Manager) handleOpen() {
	m.mu.Lock()
	m.stopTimeoutLocked()
	m.state = Connected
	queued := m.queue.drain()
	transport := m.transport
	listeners := append([]func(){}, m.openListeners...)
	pending := m.pending
	reconnector := m.reconnector
	m.mu.Unlock()

	for _, item := range queued {
		if err := transport.Send(item.data, item.binary); err != nil {
			m.logger.WithError(err).Warn("requeueing message after failed flush")
			m.mu.Lock()
			m.queue.push(item)
			m.mu.Unlock()
		}
	}

	if reconnector != nil {
		reconnector.MarkConnected()
	}
	for _, fn := range listeners {
		guardCallback(fn)
	}
	deliver(pending, nil)
}

func (m *Manager) handleClose(code int, reason string) {
	m.mu.Lock()
	m.stopTimeoutLocked()
	wasConnected := m.state == Connected
	wasConnecting := m.state == Connecting
	m.state = Disconnected
	listeners := append([]func(int, string){}, m.closeListeners...)
	pending := m.pending
	reconnector := m.reconnector
	shouldReconnect := wasConnected && m.opts.Reconnect && code != CloseNormal && !m.disposed
	m.mu.Unlock()

	if wasConnecting {
		deliver(pending, fmt.Errorf("connection closed before open: %d %s", code, reason))
	}
	for _, fn := range listeners {
		fn := fn
		guardCallback(func() { fn(code, reason) })
	}
	if reconnector != nil {
		reconnector.MarkDisconnected()
		if shouldReconnect {
			reconnector.ScheduleReconnect()
		}
	}
}

func (m *Manager) handleMessage(data []byte, binary bool) {
	var payload interface{}
	switch {
	case binary:
		payload = data
	case m.opts.ParseJSON:
		var parsed interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			payload = string(data)
		} else {
			payload = parsed
		}
	default:
		payload = string(data)
	}

	m.mu.Lock()
	handler := m.messageHandler
	listeners := append([]func(interface{}){}, m.messageListeners...)
	m.mu.Unlock()

	if handler != nil {
		guardCallback(func() { handler(payload) })
	}
	for _, fn := range listeners {
		fn := fn
		guardCallback(func() { fn(payload) })
	}
}

func (m *Manager) handleError(err error) {
	m.mu.Lock()
	wasConnecting := m.state == Connecting
	if wasConnecting {
		m.stopTimeoutLocked()
		m.state = Disconnected
	}
	listeners := append([]func(error){}, m.errorListeners...)
	pending := m.pending
	m.mu.Unlock()

	if wasConnecting {
		deliver(pending, err)
	}
	for _, fn := range listeners {
		fn := fn
		guardCallback(func() { fn(err) })
	}
}

func (m *Manager) handleTimeout(after time.Duration) {
	m.mu.Lock()
	if m.state != Connecting {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	transport := m.transport
	pending := m.pending
	m.mu.Unlock()

	if transport != nil {
		_ = transport.Close(CloseNormal, "connection timeout")
	}
	deliver(pending, &TimeoutError{After: after})
}

// Send writes a message to the transport. Byte slices pass through as
// binary frames, strings as text frames, everything else is
// JSON-serialized. While disconnected, messages are queued when
// queueing is enabled and rejected otherwise.
func (m *Manager) Send(v interface{}) error {
	data, binary, err := encodeOutbound(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.state != Connected {
		if m.opts.QueueWhenDisconnected {
			m.queue.push(queuedMessage{data: data, binary: binary})
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return ErrNotConnected
	}
	transport := m.transport
	m.mu.Unlock()

	return transport.Send(data, binary)
}

func encodeOutbound(v interface{}) ([]byte, bool, error) {
	switch data := v.(type) {
	case []byte:
		return data, true, nil
	case string:
		return []byte(data), false, nil
	default:
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, false, err
		}
		return encoded, false, nil
	}
}

// Close closes the transport, cancelling any pending connect. Safe at
// any time and idempotent.
func (m *Manager) Close(code int, reason string) error {
	m.mu.Lock()
	m.stopTimeoutLocked()
	transport := m.transport
	reconnector := m.reconnector
	wasConnecting := m.state == Connecting
	pending := m.pending
	m.state = Disconnected
	m.mu.Unlock()

	if wasConnecting {
		deliver(pending, fmt.Errorf("connection closed during connect"))
	}

	if reconnector != nil {
		reconnector.CancelReconnect()
	}
	if transport == nil {
		return nil
	}
	return transport.Close(code, reason)
}

// Dispose is terminal: it rejects any pending connect, clears timers,
// closes the transport and drops handlers, listeners and the queue.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.stopTimeoutLocked()
	pending := m.pending
	transport := m.transport
	reconnector := m.reconnector
	m.transport = nil
	m.messageHandler = nil
	m.openListeners = nil
	m.closeListeners = nil
	m.messageListeners = nil
	m.errorListeners = nil
	m.queue.clear()
	m.state = Disconnected
	m.mu.Unlock()

	deliver(pending, ErrDisposed)
	if reconnector != nil {
		reconnector.Dispose()
	}
	if transport != nil {
		_ = transport.Close(CloseNormal, "disposed")
	}
}

func (m *Manager) stopTimeoutLocked() {
	if m.timeout != nil {
		m.timeout.Stop()
		m.timeout = nil
	}
}

// deliver completes a pending connect exactly once.
func deliver(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func guardCallback(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
