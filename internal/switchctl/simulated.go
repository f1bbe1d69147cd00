package switchctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/trunk-fallback-gateway/internal/config"
	apperrors "github.com/acme/trunk-fallback-gateway/pkg/errors"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

// Simulated is the no-network manager used for development and tests. It
// transitions straight to Connected and plays back a synthetic ringing,
// answered, hangup sequence for every origination. It never reconnects.
type Simulated struct {
	cfg    config.SwitchConfig
	logger *logger.Logger

	// Delays before each synthetic lifecycle event. Tests shrink these.
	RingDelay   time.Duration
	AnswerDelay time.Duration
	HangupDelay time.Duration

	mu     sync.Mutex
	state  ConnState
	timers map[string][]*time.Timer
	events chan Event
}

// NewSimulated constructs a simulated manager.
func NewSimulated(cfg config.SwitchConfig, lg *logger.Logger) *Simulated {
	return &Simulated{
		cfg:         cfg,
		logger:      lg,
		RingDelay:   time.Second,
		AnswerDelay: 3 * time.Second,
		HangupDelay: 15 * time.Second,
		state:       StateDisconnected,
		timers:      make(map[string][]*time.Timer),
		events:      make(chan Event, 128),
	}
}

// Connect transitions immediately to Connected. Idempotent.
func (s *Simulated) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Warn("switch running in simulated mode")
	s.emit(Event{Type: EventConnected, At: time.Now().UTC()})
	return nil
}

// Originate fabricates an external id and schedules the synthetic lifecycle.
func (s *Simulated) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return OriginateResult{Error: apperrors.ErrConnectionUnavailable.Error(), Unavailable: true}, apperrors.ErrConnectionUnavailable
	}
	externalID := fmt.Sprintf("sim-%s", uuid.NewString())
	channel := req.Channel

	ring := time.AfterFunc(s.RingDelay, func() {
		s.emit(Event{Type: EventRinging, ExternalID: externalID, Channel: channel, At: time.Now().UTC()})
	})
	answer := time.AfterFunc(s.AnswerDelay, func() {
		s.emit(Event{Type: EventAnswered, ExternalID: externalID, Channel: channel, At: time.Now().UTC()})
	})
	hangup := time.AfterFunc(s.HangupDelay, func() {
		s.finish(externalID, channel)
	})
	s.timers[externalID] = []*time.Timer{ring, answer, hangup}
	s.mu.Unlock()

	s.logger.Info("simulated call originated",
		zap.String("external_id", externalID),
		zap.String("channel", channel))
	return OriginateResult{Success: true, ExternalID: externalID}, nil
}

func (s *Simulated) finish(externalID, channel string) {
	s.mu.Lock()
	for _, t := range s.timers[externalID] {
		t.Stop()
	}
	delete(s.timers, externalID)
	s.mu.Unlock()

	s.emit(Event{Type: EventHangup, ExternalID: externalID, Channel: channel, Cause: 16, At: time.Now().UTC()})
}

// Hangup ends a synthetic call with normal clearing.
func (s *Simulated) Hangup(ctx context.Context, externalID string) bool {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	_, known := s.timers[externalID]
	s.mu.Unlock()
	if !known {
		return false
	}

	s.finish(externalID, "")
	return true
}

// ListChannels returns nothing in simulated mode.
func (s *Simulated) ListChannels(ctx context.Context) []ChannelInfo {
	return nil
}

// Disconnect stops all synthetic call timers.
func (s *Simulated) Disconnect() {
	s.mu.Lock()
	for id, timers := range s.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(s.timers, id)
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	s.emit(Event{Type: EventDisconnected, At: time.Now().UTC()})
}

// State returns the current connection state.
func (s *Simulated) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts is always zero: simulated mode never reconnects.
func (s *Simulated) ReconnectAttempts() int {
	return 0
}

// Events exposes the push channel of control-plane events.
func (s *Simulated) Events() <-chan Event {
	return s.events
}

func (s *Simulated) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("simulated switch: event buffer full, dropping", zap.String("type", string(ev.Type)))
	}
}
