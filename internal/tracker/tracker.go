package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/switchctl"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

// NotifyFunc receives the terminal lifecycle notification for a call.
type NotifyFunc func(domain.CallNotification)

type entry struct {
	state       domain.CallState
	initiatedAt time.Time
	lastSignal  switchctl.EventType
	answered    bool
	notify      NotifyFunc
	notified    bool
	final       *domain.CallNotification
}

// Tracker maps external call identifiers to a canonical call lifecycle. Raw
// switch events apply only legal transitions; terminal states are absorbing
// and the terminal notification fires exactly once per call.
type Tracker struct {
	logger *logger.Logger

	mu    sync.Mutex
	calls map[string]*entry
	sinks []NotifyFunc
}

// New constructs an empty tracker.
func New(lg *logger.Logger) *Tracker {
	return &Tracker{logger: lg, calls: make(map[string]*entry)}
}

// Track registers interest in a call. The notify callback fires once when the
// call reaches a terminal state. Registration races against the event stream:
// when the call is already terminal the stored notification replays
// immediately, so a caller that registers late still observes the hangup.
func (t *Tracker) Track(externalID string, notify NotifyFunc) {
	t.mu.Lock()
	e, ok := t.calls[externalID]
	if !ok {
		e = &entry{state: domain.CallStateInitiated, initiatedAt: time.Now().UTC()}
		t.calls[externalID] = e
	}
	e.notify = notify
	var replay *domain.CallNotification
	if e.state.Terminal() {
		replay = e.final
	}
	t.mu.Unlock()

	if replay != nil && notify != nil {
		notify(*replay)
	}
}

// Subscribe registers a sink that receives every terminal notification.
func (t *Tracker) Subscribe(fn NotifyFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, fn)
}

// StateOf reports the current lifecycle state of a tracked call.
func (t *Tracker) StateOf(externalID string) (domain.CallState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.calls[externalID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Run consumes raw events until the context is done or the channel closes.
func (t *Tracker) Run(ctx context.Context, events <-chan switchctl.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.Handle(ev)
		}
	}
}

// Handle applies one raw switch event.
func (t *Tracker) Handle(ev switchctl.Event) {
	switch ev.Type {
	case switchctl.EventRinging, switchctl.EventAnswered, switchctl.EventHangup:
	default:
		return
	}
	if ev.ExternalID == "" {
		return
	}

	t.mu.Lock()
	e, ok := t.calls[ev.ExternalID]
	if !ok {
		at := ev.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		e = &entry{state: domain.CallStateInitiated, initiatedAt: at}
		t.calls[ev.ExternalID] = e
	}

	// Terminal states absorb everything, and duplicate signals coalesce.
	// Entries are retained after the terminal notification precisely so a
	// replayed hangup cannot fire a second notification.
	if e.state.Terminal() || e.lastSignal == ev.Type {
		t.mu.Unlock()
		return
	}
	e.lastSignal = ev.Type

	switch ev.Type {
	case switchctl.EventRinging:
		if e.state != domain.CallStateInitiated {
			t.mu.Unlock()
			return
		}
		e.state = domain.CallStateRinging
		t.mu.Unlock()
		return
	case switchctl.EventAnswered:
		if e.state != domain.CallStateInitiated && e.state != domain.CallStateRinging {
			t.mu.Unlock()
			return
		}
		e.state = domain.CallStateAnswered
		e.answered = true
		t.mu.Unlock()
		return
	}

	final := finalState(e.answered, ev.Cause)
	e.state = final
	if e.notified {
		t.mu.Unlock()
		return
	}
	e.notified = true

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	note := domain.CallNotification{
		ExternalID:      ev.ExternalID,
		FinalState:      final,
		DurationSeconds: int64(at.Sub(e.initiatedAt) / time.Second),
		Cause:           ev.Cause,
	}
	e.final = &note
	notify := e.notify
	sinks := make([]NotifyFunc, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	t.logger.Info("call reached terminal state",
		zap.String("external_id", note.ExternalID),
		zap.String("state", string(note.FinalState)),
		zap.Int64("duration_s", note.DurationSeconds),
		zap.Int("cause", note.Cause))

	if notify != nil {
		notify(note)
	}
	for _, fn := range sinks {
		fn(note)
	}
}

// finalState maps a Q.850 hangup cause to the canonical terminal state.
func finalState(answered bool, cause int) domain.CallState {
	if answered {
		return domain.CallStateCompleted
	}
	switch cause {
	case 17:
		return domain.CallStateBusy
	case 18, 19:
		return domain.CallStateNoAnswer
	case 0, 16:
		return domain.CallStateCancelled
	default:
		return domain.CallStateFailed
	}
}
