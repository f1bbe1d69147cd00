package switchctl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/trunk-fallback-gateway/internal/config"
	apperrors "github.com/acme/trunk-fallback-gateway/pkg/errors"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

// DialFunc opens the transport connection to the switch.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// AMIManager speaks the Asterisk Manager Interface over a single TCP session.
// Actions are correlated by a unique ActionID so multiple originations may be
// in flight concurrently; responses are matched independently of arrival
// order.
type AMIManager struct {
	cfg    config.SwitchConfig
	logger *logger.Logger
	dial   DialFunc

	mu       sync.Mutex
	state    ConnState
	conn     net.Conn
	pending  map[string]chan frame
	channels map[string]string // external id -> channel name
	attempts int
	closing  chan struct{}

	wmu    sync.Mutex
	events chan Event
}

// NewAMIManager constructs the real control-plane manager. The connection is
// established by Connect, not here.
func NewAMIManager(cfg config.SwitchConfig, lg *logger.Logger) *AMIManager {
	return &AMIManager{
		cfg:      cfg,
		logger:   lg,
		dial:     defaultDial,
		state:    StateDisconnected,
		pending:  make(map[string]chan frame),
		channels: make(map[string]string),
		events:   make(chan Event, 128),
	}
}

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Connect establishes the control-plane session. No-op if already connected
// or when a session is already being established; the reconnect loop owns
// establishment while the state is Connecting or Reconnecting.
func (m *AMIManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.closing == nil {
		m.closing = make(chan struct{})
	}
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.establish(ctx); err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emit(Event{Type: EventError, Err: err, At: time.Now().UTC()})
		return err
	}
	return nil
}

func (m *AMIManager) establish(ctx context.Context) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, addr)
	if err != nil {
		if dialCtx.Err() != nil {
			return fmt.Errorf("%w: dial %s", apperrors.ErrConnectionTimeout, addr)
		}
		return fmt.Errorf("%w: dial %s: %v", apperrors.ErrConnectionFailed, addr, err)
	}

	// The full handshake (banner + login) must complete within the action
	// deadline or the connect fails with a timeout.
	_ = conn.SetDeadline(time.Now().Add(m.cfg.ActionTimeout))
	reader := bufio.NewReader(conn)

	if _, err := reader.ReadString('\n'); err != nil {
		conn.Close()
		return handshakeError("read banner", err)
	}

	login := frame{
		"Action":   "Login",
		"ActionID": uuid.NewString(),
		"Username": m.cfg.Username,
		"Secret":   m.cfg.Password,
		"Events":   "call",
	}
	if err := writeFrame(conn, login); err != nil {
		conn.Close()
		return handshakeError("send login", err)
	}

	resp, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return handshakeError("read login response", err)
	}
	if resp["Response"] != "Success" {
		conn.Close()
		return fmt.Errorf("%w: login rejected: %s", apperrors.ErrConnectionFailed, resp["Message"])
	}

	_ = conn.SetDeadline(time.Time{})

	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	closing := m.closing
	m.mu.Unlock()

	m.logger.Info("switch connected", zap.String("addr", addr))
	m.emit(Event{Type: EventConnected, At: time.Now().UTC()})

	go m.readLoop(conn, reader, closing)
	return nil
}

func handshakeError(step string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %s", apperrors.ErrConnectionTimeout, step)
	}
	return fmt.Errorf("%w: %s: %v", apperrors.ErrConnectionFailed, step, err)
}

func (m *AMIManager) readLoop(conn net.Conn, reader *bufio.Reader, closing chan struct{}) {
	for {
		f, err := readFrame(reader)
		if err != nil {
			select {
			case <-closing:
				return
			default:
			}
			m.handleDrop(err, closing)
			return
		}
		m.route(f)
	}
}

func (m *AMIManager) route(f frame) {
	if id := f["ActionID"]; id != "" {
		m.mu.Lock()
		ch, ok := m.pending[id]
		m.mu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
				m.logger.Warn("switch: dropping response for slow waiter", zap.String("action_id", id))
			}
		}
	}

	switch f["Event"] {
	case "Newstate":
		m.rememberChannel(f["Uniqueid"], f["Channel"])
		switch f["ChannelState"] {
		case "5":
			m.emit(Event{Type: EventRinging, ExternalID: f["Uniqueid"], Channel: f["Channel"], At: time.Now().UTC()})
		case "6":
			m.emit(Event{Type: EventAnswered, ExternalID: f["Uniqueid"], Channel: f["Channel"], At: time.Now().UTC()})
		}
	case "Hangup":
		cause, _ := strconv.Atoi(f["Cause"])
		m.forgetChannel(f["Uniqueid"])
		m.emit(Event{Type: EventHangup, ExternalID: f["Uniqueid"], Channel: f["Channel"], Cause: cause, At: time.Now().UTC()})
	}
}

func (m *AMIManager) rememberChannel(externalID, channel string) {
	if externalID == "" || channel == "" {
		return
	}
	m.mu.Lock()
	m.channels[externalID] = channel
	m.mu.Unlock()
}

func (m *AMIManager) forgetChannel(externalID string) {
	m.mu.Lock()
	delete(m.channels, externalID)
	m.mu.Unlock()
}

// handleDrop reacts to an unexpected close of the session: pending actions
// fail, the state moves to Reconnecting and the backoff loop starts.
func (m *AMIManager) handleDrop(err error, closing chan struct{}) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateReconnecting
	m.failPendingLocked("connection lost")
	m.mu.Unlock()

	m.logger.Warn("switch connection lost", zap.Error(err))
	m.emit(Event{Type: EventDisconnected, At: time.Now().UTC()})

	go m.reconnectLoop(closing)
}

func (m *AMIManager) failPendingLocked(message string) {
	for id, ch := range m.pending {
		select {
		case ch <- frame{"Response": "Error", "Message": message, "SessionDown": "true"}:
		default:
		}
		delete(m.pending, id)
	}
}

// reconnectLoop retries with linear backoff (base interval times the attempt
// number) up to the configured maximum, then gives up for good.
func (m *AMIManager) reconnectLoop(closing chan struct{}) {
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		delay := m.cfg.ReconnectBaseInterval * time.Duration(attempt)

		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()
		m.logger.Warn("switch reconnect scheduled",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxReconnectAttempts),
			zap.Duration("delay", delay))

		select {
		case <-closing:
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		m.state = StateConnecting
		m.mu.Unlock()

		if err := m.establish(context.Background()); err == nil {
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			return
		} else {
			m.mu.Lock()
			m.state = StateReconnecting
			m.mu.Unlock()
			m.emit(Event{Type: EventError, Err: err, At: time.Now().UTC()})
		}
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	err := fmt.Errorf("%w: reconnect attempts exhausted", apperrors.ErrConnectionFailed)
	m.logger.Error("switch reconnect exhausted", zap.Int("attempts", m.cfg.MaxReconnectAttempts))
	m.emit(Event{Type: EventError, Err: err, Fatal: true, At: time.Now().UTC()})
}

// Originate dispatches a channel origination tagged with a unique ActionID.
// A timeout is attempt-level only: the result is a failure but the session
// stays up.
func (m *AMIManager) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return OriginateResult{Error: apperrors.ErrConnectionUnavailable.Error(), Unavailable: true}, apperrors.ErrConnectionUnavailable
	}
	conn := m.conn
	actionID := uuid.NewString()
	ch := make(chan frame, 8)
	m.pending[actionID] = ch
	m.mu.Unlock()
	defer m.clearPending(actionID)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.OriginationTimeout
	}

	action := frame{
		"Action":   "Originate",
		"ActionID": actionID,
		"Channel":  req.Channel,
		"Context":  req.Context,
		"Exten":    req.Exten,
		"Priority": strconv.Itoa(req.Priority),
		"Timeout":  strconv.FormatInt(timeout.Milliseconds(), 10),
		"Async":    "true",
	}
	if req.CallerID != "" {
		action["CallerID"] = req.CallerID
	}
	if len(req.Variables) > 0 {
		action["Variable"] = encodeVariables(req.Variables)
	}

	if err := m.send(conn, action); err != nil {
		werr := fmt.Errorf("%w: send originate: %v", apperrors.ErrConnectionUnavailable, err)
		return OriginateResult{Error: werr.Error(), Unavailable: true}, werr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Caller cancellation is not an origination timeout.
			return OriginateResult{Error: ctx.Err().Error()}, nil
		case <-timer.C:
			return OriginateResult{Error: apperrors.ErrOriginationTimeout.Error()}, nil
		case resp := <-ch:
			if resp == nil {
				return OriginateResult{Error: apperrors.ErrConnectionUnavailable.Error(), Unavailable: true}, apperrors.ErrConnectionUnavailable
			}
			switch {
			case resp["Event"] == "OriginateResponse":
				if resp["Response"] == "Success" {
					return OriginateResult{Success: true, ExternalID: resp["Uniqueid"]}, nil
				}
				reason := resp["Reason"]
				if reason == "" {
					reason = "originate rejected"
				}
				return OriginateResult{Error: reason}, nil
			case resp["Response"] == "Error":
				msg := resp["Message"]
				if msg == "" {
					msg = "originate failed"
				}
				if resp["SessionDown"] == "true" {
					return OriginateResult{Error: msg, Unavailable: true}, apperrors.ErrConnectionUnavailable
				}
				return OriginateResult{Error: msg}, nil
			}
			// Interim acknowledgement; the OriginateResponse event carries
			// the external id.
		}
	}
}

// Hangup tears down the channel for an external call id. Best-effort: false
// when disconnected or when the channel is unknown.
func (m *AMIManager) Hangup(ctx context.Context, externalID string) bool {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	conn := m.conn
	channel := m.channels[externalID]
	if channel == "" {
		m.mu.Unlock()
		return false
	}
	actionID := uuid.NewString()
	ch := make(chan frame, 8)
	m.pending[actionID] = ch
	m.mu.Unlock()
	defer m.clearPending(actionID)

	action := frame{
		"Action":   "Hangup",
		"ActionID": actionID,
		"Channel":  channel,
	}
	if err := m.send(conn, action); err != nil {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.cfg.ActionTimeout):
		return false
	case resp := <-ch:
		return resp != nil && resp["Response"] == "Success"
	}
}

// ListChannels queries the switch for active channels. Empty when
// disconnected.
func (m *AMIManager) ListChannels(ctx context.Context) []ChannelInfo {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	actionID := uuid.NewString()
	ch := make(chan frame, 64)
	m.pending[actionID] = ch
	m.mu.Unlock()
	defer m.clearPending(actionID)

	if err := m.send(conn, frame{"Action": "CoreShowChannels", "ActionID": actionID}); err != nil {
		return nil
	}

	var channels []ChannelInfo
	deadline := time.NewTimer(m.cfg.ActionTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return channels
		case <-deadline.C:
			return channels
		case f := <-ch:
			if f == nil {
				return channels
			}
			switch f["Event"] {
			case "CoreShowChannel":
				channels = append(channels, ChannelInfo{
					Channel:    f["Channel"],
					State:      f["ChannelStateDesc"],
					ExternalID: f["Uniqueid"],
				})
			case "CoreShowChannelsComplete":
				return channels
			}
		}
	}
}

// Disconnect releases the session and cancels any pending reconnect timers.
func (m *AMIManager) Disconnect() {
	m.mu.Lock()
	if m.closing != nil {
		close(m.closing)
		m.closing = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.attempts = 0
	m.failPendingLocked("disconnected")
	m.mu.Unlock()

	m.emit(Event{Type: EventDisconnected, At: time.Now().UTC()})
}

// State returns the current connection state.
func (m *AMIManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts returns the attempt counter of the current backoff cycle.
func (m *AMIManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Events exposes the push channel of control-plane events.
func (m *AMIManager) Events() <-chan Event {
	return m.events
}

func (m *AMIManager) send(conn net.Conn, f frame) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return writeFrame(conn, f)
}

func (m *AMIManager) clearPending(actionID string) {
	m.mu.Lock()
	delete(m.pending, actionID)
	m.mu.Unlock()
}

func (m *AMIManager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("switch: event buffer full, dropping", zap.String("type", string(ev.Type)))
	}
}
