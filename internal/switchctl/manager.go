package switchctl

import (
	"context"
	"time"

	"github.com/acme/trunk-fallback-gateway/internal/config"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

// ConnState enumerates the control-plane connection lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// OriginateRequest describes a switch-level channel origination action.
type OriginateRequest struct {
	Channel   string
	Context   string
	Exten     string
	Priority  int
	CallerID  string
	Timeout   time.Duration
	Variables map[string]string
}

// OriginateResult is the normalized outcome of an origination action.
// Unavailable marks failures caused by the control-plane session being down
// rather than by the trunk or the destination.
type OriginateResult struct {
	Success     bool
	ExternalID  string
	Error       string
	Unavailable bool
}

// ChannelInfo describes an active channel on the switch.
type ChannelInfo struct {
	Channel    string
	State      string
	ExternalID string
}

// Manager owns the single logical connection to the telephony switch.
//
// Originate returns a non-nil error only for connection-level failures;
// attempt-level timeouts surface as a failed result with a nil error so the
// orchestrator can advance to the next trunk without tearing anything down.
type Manager interface {
	Connect(ctx context.Context) error
	Disconnect()
	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
	Hangup(ctx context.Context, externalID string) bool
	ListChannels(ctx context.Context) []ChannelInfo
	State() ConnState
	ReconnectAttempts() int
	Events() <-chan Event
}

// New selects the manager implementation once at construction so call sites
// never branch on mode.
func New(cfg config.SwitchConfig, lg *logger.Logger) Manager {
	if cfg.Simulated {
		return NewSimulated(cfg, lg)
	}
	return NewAMIManager(cfg, lg)
}
