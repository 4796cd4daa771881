package connection

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReconnectionState is the state of the reconnect submachine.
type ReconnectionState string

const (
	// ReconnectDisconnected means no reconnect is pending.
	ReconnectDisconnected = ReconnectionState("disconnected")
	// Reconnecting means a reconnect timer is armed.
	Reconnecting = ReconnectionState("reconnecting")
	// ReconnectConnected means the connection is up.
	ReconnectConnected = ReconnectionState("connected")
	// ReconnectFailed means the attempt cap was reached; ResetAttempts
	// is required to retry.
	ReconnectFailed = ReconnectionState("failed")
	// WaitingForNetwork means scheduling is paused until the network
	// detector reports the network back.
	WaitingForNetwork = ReconnectionState("waitingForNetwork")
)

// BackoffKind selects the delay growth curve.
type BackoffKind string

const (
	// BackoffExponential grows the delay by the multiplier per attempt.
	BackoffExponential = BackoffKind("exponential")
	// BackoffLinear grows the delay linearly with the attempt number.
	BackoffLinear = BackoffKind("linear")
)

// TrackedSubscription is the tuple replayed to restore a subscription
// after a reconnect.
type TrackedSubscription struct {
	ID        string
	QueryPath string
	Args      interface{}
}

// ReconnectorOpts configures a Reconnector.
type ReconnectorOpts struct {
	// InitialDelay seeds the backoff. Defaults to 1s.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay. Defaults to 30s.
	MaxDelay time.Duration
	// MaxAttempts caps consecutive attempts; nil defaults to 10 and 0
	// means unlimited.
	MaxAttempts *int
	// BackoffMultiplier is the exponential growth factor; must be >= 1.
	// Defaults to 2.
	BackoffMultiplier float64
	// Backoff selects the growth curve. Defaults to exponential.
	Backoff BackoffKind
	// Jitter spreads each delay uniformly within ±Jitter·delay; must be
	// in [0,1]. nil defaults to 0.1.
	Jitter *float64
	// NetworkDetector reports whether the network is up. When it says
	// offline, scheduling pauses until SetNetworkState(true).
	NetworkDetector func() bool

	// Connect is invoked when a reconnect timer fires.
	Connect func()
	// Restore receives the tracked subscription set after a successful
	// reconnect.
	Restore func([]TrackedSubscription)

	OnReconnected        func()
	OnDisconnected       func()
	OnMaxAttemptsReached func()

	// Rand sources the jitter samples. Defaults to a time-seeded PRNG.
	Rand *rand.Rand

	Logger logrus.FieldLogger
}

const (
	defaultInitialDelay      = time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 10
	defaultBackoffMultiplier = 2.0
	defaultJitter            = 0.1
)

// Status is a point-in-time report of the submachine.
type Status struct {
	State             ReconnectionState
	Attempt           int
	NextAttemptIn     time.Duration
	RemainingAttempts int // -1 when uncapped
	LastError         error
	ConnectedFor      time.Duration
	DisconnectedFor   time.Duration
}

// Reconnector schedules reconnection attempts with exponential backoff
// and jitter, gates on network state, and tracks the subscription set
// to restore after a successful reconnect.
type Reconnector struct {
	mu   sync.Mutex
	opts ReconnectorOpts

	state          ReconnectionState
	attempt        int
	timer          *time.Timer
	scheduledAt    time.Time
	scheduledDelay time.Duration
	lastError      error
	connectedAt    time.Time
	disconnectedAt time.Time
	networkOnline  *bool
	disposed       bool

	maxAttempts int
	jitter      float64
	rng         *rand.Rand

	tracked      map[string]TrackedSubscription
	trackedOrder []string

	logger logrus.FieldLogger
	now    func() time.Time
}

// NewReconnector validates the configuration and constructs a
// Reconnector in the Disconnected state.
func NewReconnector(opts ReconnectorOpts) (*Reconnector, error) {
	if opts.InitialDelay < 0 || opts.MaxDelay < 0 {
		return nil, fmt.Errorf("reconnect delays must be non-negative")
	}
	if opts.InitialDelay == 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxDelay < opts.InitialDelay {
		return nil, fmt.Errorf("maxDelay must be >= initialDelay")
	}
	if opts.BackoffMultiplier == 0 {
		opts.BackoffMultiplier = defaultBackoffMultiplier
	}
	if opts.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("backoffMultiplier must be >= 1")
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffExponential
	}

	maxAttempts := defaultMaxAttempts
	if opts.MaxAttempts != nil {
		if *opts.MaxAttempts < 0 {
			return nil, fmt.Errorf("maxAttempts must be non-negative")
		}
		maxAttempts = *opts.MaxAttempts
	}
	jitter := defaultJitter
	if opts.Jitter != nil {
		if *opts.Jitter < 0 || *opts.Jitter > 1 {
			return nil, fmt.Errorf("jitter must be within [0, 1]")
		}
		jitter = *opts.Jitter
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}

	return &Reconnector{
		opts:        opts,
		state:       ReconnectDisconnected,
		maxAttempts: maxAttempts,
		jitter:      jitter,
		rng:         rng,
		tracked:     map[string]TrackedSubscription{},
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Delay computes the backoff delay for a 1-indexed attempt: the grown
// delay capped at MaxDelay, spread by the jitter fraction.
func (r *Reconnector) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := float64(r.opts.InitialDelay)
	var base float64
	if r.opts.Backoff == BackoffLinear {
		base = initial * float64(attempt)
	} else {
		base = initial * math.Pow(r.opts.BackoffMultiplier, float64(attempt-1))
	}
	capped := math.Min(base, float64(r.opts.MaxDelay))

	r.mu.Lock()
	sample := (r.rng.Float64()*2 - 1) * r.jitter * capped
	r.mu.Unlock()

	return time.Duration(math.Round(capped + sample))
}

// ScheduleReconnect arms the next reconnect attempt. It refuses to
// schedule when disposed, already scheduled, or connected; transitions
// to Failed at the attempt cap and to WaitingForNetwork while offline.
func (r *Reconnector) ScheduleReconnect() bool {
	r.mu.Lock()
	if r.disposed || r.timer != nil || r.state == ReconnectConnected {
		r.mu.Unlock()
		return false
	}
	if !r.networkUpLocked() {
		r.state = WaitingForNetwork
		r.mu.Unlock()
		return false
	}
	if r.maxAttempts != 0 && r.attempt >= r.maxAttempts {
		r.state = ReconnectFailed
		onMax := r.opts.OnMaxAttemptsReached
		r.mu.Unlock()
		if onMax != nil {
			guardCallback(onMax)
		}
		return false
	}

	r.attempt++
	attempt := r.attempt
	r.mu.Unlock()

	delay := r.Delay(attempt)

	r.mu.Lock()
	if r.disposed || r.timer != nil {
		r.mu.Unlock()
		return false
	}
	r.state = Reconnecting
	r.scheduledAt = r.now()
	r.scheduledDelay = delay
	r.timer = time.AfterFunc(delay, r.fire)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Info("reconnect scheduled")
	return true
}

func (r *Reconnector) fire() {
	r.mu.Lock()
	r.timer = nil
	connect := r.opts.Connect
	disposed := r.disposed
	r.mu.Unlock()

	if disposed || connect == nil {
		return
	}
	guardCallback(connect)
}

// MarkConnected records a successful connection: it cancels any armed
// timer, resets counters, and requests subscription restoration when
// the submachine was reconnecting.
func (r *Reconnector) MarkConnected() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	wasReconnecting := r.state == Reconnecting
	r.state = ReconnectConnected
	r.attempt = 0
	r.lastError = nil
	r.connectedAt = r.now()
	restore := r.opts.Restore
	onReconnected := r.opts.OnReconnected
	var subs []TrackedSubscription
	if wasReconnecting && restore != nil {
		subs = r.trackedLocked()
	}
	r.mu.Unlock()

	if !wasReconnecting {
		return
	}
	if onReconnected != nil {
		guardCallback(onReconnected)
	}
	if restore != nil {
		guardCallback(func() { restore(subs) })
	}
}

// MarkDisconnected records a disconnect. No-op when already
// disconnected.
func (r *Reconnector) MarkDisconnected() bool {
	r.mu.Lock()
	if r.state == ReconnectDisconnected {
		r.mu.Unlock()
		return false
	}
	r.disconnectedAt = r.now()
	if r.state == ReconnectConnected {
		r.state = ReconnectDisconnected
	}
	onDisconnected := r.opts.OnDisconnected
	r.mu.Unlock()

	if onDisconnected != nil {
		guardCallback(onDisconnected)
	}
	return true
}

// CancelReconnect disarms any pending timer and returns the submachine
// to Disconnected when it was reconnecting or waiting for the network.
func (r *Reconnector) CancelReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.state == Reconnecting || r.state == WaitingForNetwork {
		r.state = ReconnectDisconnected
	}
}

// SetNetworkState feeds the submachine a network transition. Going
// online while waiting resumes scheduling; going offline pauses a
// pending attempt.
func (r *Reconnector) SetNetworkState(online bool) {
	r.mu.Lock()
	r.networkOnline = &online
	if !online {
		if r.state == Reconnecting {
			if r.timer != nil {
				r.timer.Stop()
				r.timer = nil
			}
			r.state = WaitingForNetwork
		}
		r.mu.Unlock()
		return
	}
	resume := r.state == WaitingForNetwork
	if resume {
		r.state = ReconnectDisconnected
	}
	r.mu.Unlock()

	if resume {
		r.ScheduleReconnect()
	}
}

// ResetAttempts zeroes the attempt counter; a Failed submachine
// becomes eligible for scheduling again.
func (r *Reconnector) ResetAttempts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.lastError = nil
	if r.state == ReconnectFailed {
		r.state = ReconnectDisconnected
	}
}

// SetLastError records the most recent connection error for Status.
func (r *Reconnector) SetLastError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = err
}

// Track records a subscription for restoration after reconnects.
func (r *Reconnector) Track(sub TrackedSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[sub.ID]; !ok {
		r.trackedOrder = append(r.trackedOrder, sub.ID)
	}
	r.tracked[sub.ID] = sub
}

// Untrack drops a subscription from the restoration set.
func (r *Reconnector) Untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[id]; !ok {
		return
	}
	delete(r.tracked, id)
	for i, tid := range r.trackedOrder {
		if tid == id {
			r.trackedOrder = append(r.trackedOrder[:i], r.trackedOrder[i+1:]...)
			break
		}
	}
}

// TrackedSubscriptions returns the restoration set in tracking order.
func (r *Reconnector) TrackedSubscriptions() []TrackedSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackedLocked()
}

func (r *Reconnector) trackedLocked() []TrackedSubscription {
	out := make([]TrackedSubscription, 0, len(r.trackedOrder))
	for _, id := range r.trackedOrder {
		out = append(out, r.tracked[id])
	}
	return out
}

// State returns the submachine state.
func (r *Reconnector) State() ReconnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status reports the submachine's state, attempt bookkeeping and
// timing.
func (r *Reconnector) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := Status{
		State:             r.state,
		Attempt:           r.attempt,
		RemainingAttempts: -1,
		LastError:         r.lastError,
	}
	if r.maxAttempts != 0 {
		remaining := r.maxAttempts - r.attempt
		if remaining < 0 {
			remaining = 0
		}
		s.RemainingAttempts = remaining
	}
	if r.timer != nil {
		left := r.scheduledDelay - now.Sub(r.scheduledAt)
		if left < 0 {
			left = 0
		}
		s.NextAttemptIn = left
	}
	if r.state == ReconnectConnected && !r.connectedAt.IsZero() {
		s.ConnectedFor = now.Sub(r.connectedAt)
	}
	if r.state != ReconnectConnected && !r.disconnectedAt.IsZero() {
		s.DisconnectedFor = now.Sub(r.disconnectedAt)
	}
	return s
}

// Dispose disarms the timer and rejects future scheduling.
func (r *Reconnector) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.tracked = map[string]TrackedSubscription{}
	r.trackedOrder = nil
}

func (r *Reconnector) networkUpLocked() bool {
	if r.networkOnline != nil {
		return *r.networkOnline
	}
	if r.opts.NetworkDetector != nil {
		return r.opts.NetworkDetector()
	}
	return true
}
