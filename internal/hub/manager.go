package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smallsteps/notify/internal/notifications"
	apperrors "github.com/smallsteps/notify/pkg/errors"
	"github.com/smallsteps/notify/pkg/logger"
	"github.com/smallsteps/notify/pkg/metrics"
)

// ConnectionState describes the lifecycle of the hub connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// defaultBackoff is the reconnect schedule: an immediate attempt, then 2s, 5s
// and 10s. The final interval repeats indefinitely until Stop is called.
var defaultBackoff = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// NotificationHandler receives notification payloads pushed by the hub.
type NotificationHandler func(notifications.Notification)

// CountHandler receives unread counter values pushed by the hub.
type CountHandler func(int)

// StateHandler observes connection state transitions.
type StateHandler func(ConnectionState)

// Manager owns at most one live connection to the notification hub per
// authenticated session. It forwards raw server events to subscribers without
// interpreting them and keeps the connection alive across transient drops
// using the backoff schedule. Handshake failures on the initial Start are
// surfaced once to the caller so hosts can decide to run polling-only.
type Manager struct {
	baseHost string
	dial     Dialer
	backoff  []time.Duration
	sleep    func(ctx context.Context, d time.Duration) bool
	log      *zap.Logger

	state atomic.Int32

	mu      sync.Mutex
	started bool
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}

	onNotification []NotificationHandler
	onNewMessage   []NotificationHandler
	onCount        []CountHandler
	onState        []StateHandler
}

// Option customises the Manager.
type Option func(*Manager)

// WithDialer injects a transport dialer, primarily for testing.
func WithDialer(dial Dialer) Option {
	return func(m *Manager) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// WithBackoff overrides the reconnect schedule. The final entry repeats.
func WithBackoff(delays ...time.Duration) Option {
	return func(m *Manager) {
		if len(delays) > 0 {
			m.backoff = delays
		}
	}
}

// WithSleep overrides the wait primitive used between reconnect attempts so
// tests can observe the schedule without real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// NewManager constructs a Manager for the given hub base host.
func NewManager(baseHost string, opts ...Option) *Manager {
	m := &Manager{
		baseHost: baseHost,
		dial:     DialWebsocket,
		backoff:  defaultBackoff,
		sleep:    sleepContext,
		log:      logger.WithModule("hub"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnNotification registers a handler for ReceiveNotification events.
func (m *Manager) OnNotification(fn NotificationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNotification = append(m.onNotification, fn)
}

// OnNewMessage registers a handler for ReceiveNewMessage events.
func (m *Manager) OnNewMessage(fn NotificationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNewMessage = append(m.onNewMessage, fn)
}

// OnMessageCount registers a handler for ReceiveMessageCount events.
func (m *Manager) OnMessageCount(fn CountHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCount = append(m.onCount, fn)
}

// OnStateChange registers an observer for connection state transitions.
func (m *Manager) OnStateChange(fn StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// State reports the current connection state.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Start opens the hub connection for the supplied user. It is
// idempotent-guarded: when a start is already in flight or the connection is
// live, the call is a no-op rather than a second socket. The initial
// handshake runs synchronously; its failure is returned once and not retried,
// leaving the manager Disconnected.
func (m *Manager) Start(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		m.log.Debug("start ignored; connection already in flight",
			zap.String("state", m.State().String()))
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	m.setState(Connecting)

	// The dial honours both the caller's context and Stop, which cancels
	// runCtx: an in-flight handshake must not outlive either.
	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	release := context.AfterFunc(runCtx, dialCancel)
	defer release()

	conn, err := m.connect(dialCtx, userID, token)
	if err != nil {
		cancel()
		m.mu.Lock()
		stopped := !m.started
		m.started = false
		m.cancel = nil
		m.mu.Unlock()
		m.setState(Disconnected)
		if stopped {
			// Stop cancelled the handshake; not an error for the caller.
			return nil
		}
		metrics.HubConnects.WithLabelValues("failure").Inc()
		return apperrors.ErrHubHandshake.WithInternal(err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	if !m.started {
		// Stop raced the handshake; do not resurrect the connection.
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		m.setState(Disconnected)
		return nil
	}
	m.conn = conn
	m.done = done
	m.mu.Unlock()
	metrics.HubConnects.WithLabelValues("success").Inc()
	m.setState(Connected)

	go m.run(runCtx, conn, userID, token, done)
	return nil
}

// Stop tears the connection down unconditionally, cancels any in-flight
// reconnect attempt and waits for the background loop to exit. A subsequent
// Start begins a fresh state machine with no leftover backoff state.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.cancel = nil
	m.conn = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	m.setState(Disconnected)
	m.log.Info("hub connection stopped")
}

// connect dials the hub and performs the post-connect group join. A join
// failure does not fail the connect: it is logged and left for the next push
// or reconnect cycle to repair.
func (m *Manager) connect(ctx context.Context, userID, token string) (Conn, error) {
	hubURL, err := HubURL(m.baseHost, token)
	if err != nil {
		return nil, err
	}

	conn, err := m.dial(ctx, hubURL)
	if err != nil {
		return nil, err
	}

	join, err := NewInvocation(TargetJoinUserGroup, userID)
	if err == nil {
		err = conn.WriteFrame(join)
	}
	if err != nil {
		m.log.Warn("join user group failed; leaving connection open",
			zap.String("user_id", userID), zap.Error(err))
	}

	return conn, nil
}

func (m *Manager) run(ctx context.Context, conn Conn, userID, token string, done chan struct{}) {
	defer close(done)

	for {
		m.readLoop(conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		metrics.HubDrops.Inc()
		m.setState(Reconnecting)
		m.log.Warn("hub transport dropped; reconnecting", zap.String("user_id", userID))

		next, ok := m.reconnect(ctx, userID, token)
		if !ok {
			return
		}
		conn = next

		m.mu.Lock()
		if !m.started {
			// Stop raced the reconnect; do not resurrect the connection.
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.mu.Unlock()
		m.setState(Connected)
	}
}

// reconnect walks the backoff schedule until a dial succeeds or the context
// is cancelled. The schedule never exhausts: past its end the final interval
// repeats indefinitely.
func (m *Manager) reconnect(ctx context.Context, userID, token string) (Conn, bool) {
	for attempt := 0; ; attempt++ {
		if !m.sleep(ctx, m.reconnectDelay(attempt)) {
			return nil, false
		}

		conn, err := m.connect(ctx, userID, token)
		if err != nil {
			metrics.HubConnects.WithLabelValues("failure").Inc()
			m.log.Debug("reconnect attempt failed",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return nil, false
		}

		metrics.HubConnects.WithLabelValues("success").Inc()
		m.log.Info("hub reconnected", zap.Int("attempts", attempt+1))
		return conn, true
	}
}

func (m *Manager) reconnectDelay(attempt int) time.Duration {
	if attempt >= len(m.backoff) {
		return m.backoff[len(m.backoff)-1]
	}
	return m.backoff[attempt]
}

func (m *Manager) readLoop(conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		m.dispatch(frame)
	}
}

// dispatch forwards a server frame to subscribers in transport order. The
// manager performs no business logic on payloads.
func (m *Manager) dispatch(frame Frame) {
	metrics.HubEvents.WithLabelValues(frame.Target).Inc()

	switch frame.Target {
	case TargetReceiveNotification:
		n, ok := m.decodeNotification(frame)
		if !ok {
			return
		}
		for _, fn := range m.notificationHandlers() {
			fn(n)
		}
	case TargetReceiveNewMessage:
		n, ok := m.decodeNotification(frame)
		if !ok {
			return
		}
		for _, fn := range m.newMessageHandlers() {
			fn(n)
		}
	case TargetReceiveMessageCount:
		if len(frame.Arguments) == 0 {
			m.log.Warn("message count frame without arguments")
			return
		}
		var count int
		if err := json.Unmarshal(frame.Arguments[0], &count); err != nil {
			m.log.Warn("malformed message count payload", zap.Error(err))
			return
		}
		for _, fn := range m.countHandlers() {
			fn(count)
		}
	default:
		m.log.Debug("ignoring unknown hub target", zap.String("target", frame.Target))
	}
}

func (m *Manager) decodeNotification(frame Frame) (notifications.Notification, bool) {
	if len(frame.Arguments) == 0 {
		m.log.Warn("notification frame without arguments", zap.String("target", frame.Target))
		return notifications.Notification{}, false
	}

	var n notifications.Notification
	if err := json.Unmarshal(frame.Arguments[0], &n); err != nil {
		m.log.Warn("malformed notification payload",
			zap.String("target", frame.Target), zap.Error(err))
		return notifications.Notification{}, false
	}
	return n, true
}

func (m *Manager) notificationHandlers() []NotificationHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NotificationHandler(nil), m.onNotification...)
}

func (m *Manager) newMessageHandlers() []NotificationHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NotificationHandler(nil), m.onNewMessage...)
}

func (m *Manager) countHandlers() []CountHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CountHandler(nil), m.onCount...)
}

func (m *Manager) stateHandlers() []StateHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateHandler(nil), m.onState...)
}

func (m *Manager) setState(next ConnectionState) {
	if ConnectionState(m.state.Swap(int32(next))) == next {
		return
	}
	for _, fn := range m.stateHandlers() {
		fn(next)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
