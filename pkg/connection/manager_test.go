package connection

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scriptable in-memory Transport.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []queuedMessage
	openErr  error
	sendErrs int
	manual   bool // do not fire onOpen from Open

	onOpen    func()
	onClose   func(code int, reason string)
	onMessage func(data []byte, binary bool)
	onError   func(err error)
}

func (t *fakeTransport) Open(context.Context) error {
	if t.openErr != nil {
		return t.openErr
	}
	if !t.manual && t.onOpen != nil {
		t.onOpen()
	}
	return nil
}

func (t *fakeTransport) Send(data []byte, binary bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErrs > 0 {
		t.sendErrs--
		return fmt.Errorf("send failed")
	}
	t.sent = append(t.sent, queuedMessage{data: data, binary: binary})
	return nil
}

func (t *fakeTransport) Close(int, string) error { return nil }

func (t *fakeTransport) OnOpen(fn func())                           { t.onOpen = fn }
func (t *fakeTransport) OnClose(fn func(code int, reason string))   { t.onClose = fn }
func (t *fakeTransport) OnMessage(fn func(data []byte, binary bool)) { t.onMessage = fn }
func (t *fakeTransport) OnError(fn func(err error))                 { t.onError = fn }

func (t *fakeTransport) sentData() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, m := range t.sent {
		out[i] = string(m.data)
	}
	return out
}

func newTestManager(t *testing.T, opts ManagerOpts, transport *fakeTransport) *Manager {
	t.Helper()
	opts.TransportFactory = func(string, []string) (Transport, error) {
		return transport, nil
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	return m
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(ManagerOpts{URL: "http://example.com"})
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = NewManager(ManagerOpts{URL: ""})
	assert.Error(t, err)

	_, err = NewManager(ManagerOpts{URL: "ws://example.com", BinaryType: "nope"})
	assert.Error(t, err)

	_, err = NewManager(ManagerOpts{URL: "wss://example.com/sync"})
	assert.NoError(t, err)
}

func TestConnectLifecycle(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{URL: "ws://x"}, transport)
	assert.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Connected, m.State())

	// Connect while connected is refused.
	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyConnecting)

	require.NoError(t, m.Close(CloseNormal, "bye"))
	assert.Equal(t, Disconnected, m.State())
}

func TestConnectTimeout(t *testing.T) {
	transport := &fakeTransport{manual: true}
	m := newTestManager(t, ManagerOpts{
		URL:               "ws://x",
		ConnectionTimeout: 20 * time.Millisecond,
	}, transport)

	err := m.Connect(context.Background())
	require.Error(t, err)
	var terr *TimeoutError
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, Disconnected, m.State())
}

func TestConnectFailure(t *testing.T) {
	transport := &fakeTransport{openErr: fmt.Errorf("dial refused")}
	m := newTestManager(t, ManagerOpts{URL: "ws://x"}, transport)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, m.State())

	// A failed attempt leaves the manager usable.
	transport.openErr = nil
	require.NoError(t, m.Connect(context.Background()))
}

func TestSendRequiresConnection(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{URL: "ws://x"}, transport)

	assert.ErrorIs(t, m.Send("hello"), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Send("hello"))
	require.NoError(t, m.Send(map[string]interface{}{"type": "ping"}))
	require.NoError(t, m.Send([]byte{0x1}))

	sent := transport.sentData()
	require.Len(t, sent, 3)
	assert.Equal(t, "hello", sent[0])
	assert.JSONEq(t, `{"type":"ping"}`, sent[1])
}

func TestQueueWhenDisconnected(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{
		URL:                   "ws://x",
		QueueWhenDisconnected: true,
		MaxQueueSize:          2,
	}, transport)

	require.NoError(t, m.Send("one"))
	require.NoError(t, m.Send("two"))
	require.NoError(t, m.Send("three")) // drops "one"
	assert.Equal(t, 2, m.QueueLen())

	require.NoError(t, m.Connect(context.Background()))
	assert.Zero(t, m.QueueLen())
	assert.Equal(t, []string{"two", "three"}, transport.sentData())
}

func TestQueueFlushFailureRequeues(t *testing.T) {
	transport := &fakeTransport{sendErrs: 1}
	m := newTestManager(t, ManagerOpts{
		URL:                   "ws://x",
		QueueWhenDisconnected: true,
	}, transport)

	require.NoError(t, m.Send("one"))
	require.NoError(t, m.Send("two"))

	require.NoError(t, m.Connect(context.Background()))
	// "one" failed mid-flush and went back to the tail.
	assert.Equal(t, []string{"two"}, transport.sentData())
	assert.Equal(t, 1, m.QueueLen())
}

func TestIncomingMessageParsing(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{URL: "ws://x", ParseJSON: true}, transport)

	var payloads []interface{}
	m.SetMessageHandler(func(p interface{}) { payloads = append(payloads, p) })
	listenerHits := 0
	m.OnMessage(func(interface{}) { listenerHits++ })

	require.NoError(t, m.Connect(context.Background()))
	transport.onMessage([]byte(`{"type":"ping"}`), false)
	transport.onMessage([]byte(`not json`), false)
	transport.onMessage([]byte{0x1, 0x2}, true)

	require.Len(t, payloads, 3)
	assert.Equal(t, map[string]interface{}{"type": "ping"}, payloads[0])
	assert.Equal(t, "not json", payloads[1], "unparseable text falls back to the raw string")
	assert.Equal(t, []byte{0x1, 0x2}, payloads[2])
	assert.Equal(t, 3, listenerHits)
}

func TestAbnormalCloseSchedulesReconnect(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{URL: "ws://x", Reconnect: true}, transport)

	r, err := NewReconnector(ReconnectorOpts{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	})
	require.NoError(t, err)
	m.SetReconnector(r)

	require.NoError(t, m.Connect(context.Background()))
	transport.onClose(1006, "gone")

	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, Reconnecting, r.State())
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{URL: "ws://x", Reconnect: true}, transport)

	r, err := NewReconnector(ReconnectorOpts{})
	require.NoError(t, err)
	m.SetReconnector(r)

	require.NoError(t, m.Connect(context.Background()))
	transport.onClose(CloseNormal, "bye")

	assert.Equal(t, ReconnectDisconnected, r.State())
}

func TestCloseListeners(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{URL: "ws://x"}, transport)

	var gotCode int
	m.OnClose(func(code int, _ string) { gotCode = code })
	m.OnClose(func(int, string) { panic("listener") })
	opened := 0
	m.OnOpen(func() { opened++ })

	require.NoError(t, m.Connect(context.Background()))
	transport.onClose(1001, "away")

	assert.Equal(t, 1001, gotCode)
	assert.Equal(t, 1, opened)
}

func TestDispose(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{
		URL:                   "ws://x",
		QueueWhenDisconnected: true,
	}, transport)
	require.NoError(t, m.Send("queued"))

	m.Dispose()
	m.Dispose() // idempotent

	assert.ErrorIs(t, m.Send("x"), ErrDisposed)
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDisposed)
	assert.Zero(t, m.QueueLen())
}

func TestCloseIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, ManagerOpts{URL: "ws://x"}, transport)

	require.NoError(t, m.Close(CloseNormal, ""))
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close(CloseNormal, ""))
	require.NoError(t, m.Close(CloseNormal, ""))
}

func TestWebSocketTransportURLValidation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "ws", url: "ws://example.com/sync"},
		{name: "wss", url: "wss://example.com/sync"},
		{name: "http", url: "http://example.com", wantErr: true},
		{name: "empty", url: "", wantErr: true},
		{name: "garbage", url: "://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWebSocketTransport(tt.url, nil)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
