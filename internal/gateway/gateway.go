package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/trunk-fallback-gateway/internal/config"
	"github.com/acme/trunk-fallback-gateway/internal/switchctl"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

// Gateway translates a logical call request into a switch-level channel
// origination. It never returns a Go error: every failure mode surfaces as a
// failed OriginateResult.
type Gateway struct {
	manager switchctl.Manager
	cfg     config.SwitchConfig
	logger  *logger.Logger
}

// New builds the origination gateway on top of a connection manager.
func New(manager switchctl.Manager, cfg config.SwitchConfig, lg *logger.Logger) *Gateway {
	return &Gateway{manager: manager, cfg: cfg, logger: lg}
}

// PlaceCall originates a channel toward the destination through the given
// trunk identity. A non-positive timeout falls back to the configured
// origination timeout.
func (g *Gateway) PlaceCall(ctx context.Context, trunkIdentity, to, from string, timeout time.Duration) switchctl.OriginateResult {
	if timeout <= 0 {
		timeout = g.cfg.OriginationTimeout
	}

	tracer := otel.Tracer("trunkgw.gateway")
	ctx, span := tracer.Start(ctx, "gateway.originate", trace.WithAttributes(
		attribute.String("trunk", trunkIdentity),
		attribute.String("destination", to),
	))
	defer span.End()

	req := switchctl.OriginateRequest{
		Channel:  SIPChannel(to, trunkIdentity),
		Context:  g.cfg.Context,
		Exten:    "s",
		Priority: 1,
		CallerID: from,
		Timeout:  timeout,
		Variables: map[string]string{
			"FROM_DID":      from,
			"CALLERID(num)": from,
			"CORRELATION":   uuid.NewString(),
		},
	}

	result, err := g.manager.Originate(ctx, req)
	if err != nil {
		span.RecordError(err)
		g.logger.Warn("gateway: originate failed",
			zap.String("trunk", trunkIdentity),
			zap.Error(err))
		if result.Error == "" {
			result.Error = err.Error()
		}
		result.Success = false
		return result
	}

	if !result.Success {
		g.logger.Warn("gateway: originate rejected",
			zap.String("trunk", trunkIdentity),
			zap.String("reason", result.Error))
	}
	return result
}

// SIPChannel builds a switch-addressable channel descriptor.
func SIPChannel(number, trunk string) string {
	if trunk == "" {
		return fmt.Sprintf("SIP/%s", number)
	}
	return fmt.Sprintf("SIP/%s/%s", trunk, number)
}
