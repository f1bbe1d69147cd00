package cdr

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/trunk-fallback-gateway/internal/app"
	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/queue"
	"github.com/acme/trunk-fallback-gateway/internal/repository"
)

// Worker consumes terminal call lifecycle messages and persists the CDR.
type Worker struct {
	container *app.Container
}

// New creates a new CDR worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run processes lifecycle events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	groupID := cfg.Kafka.ConsumerGroupID + "-cdr"
	reader := w.container.Kafka.NewReader(cfg.Kafka.LifecycleTopic, groupID)
	defer reader.Close()

	store := w.container.Repositories().Calls
	logger := w.container.Logger

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("cdr worker: fetch", zap.Error(err))
			continue
		}

		var lifecycle queue.LifecycleMessage
		if err := json.Unmarshal(msg.Value, &lifecycle); err != nil {
			logger.Error("cdr worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		tracer := otel.Tracer("trunkgw.cdrworker")
		sctx, span := tracer.Start(ctx, "call.lifecycle", trace.WithAttributes(
			attribute.String("call.external_id", lifecycle.ExternalID),
			attribute.String("trunk.id", lifecycle.TrunkID.String()),
			attribute.String("call.state", lifecycle.State),
		))

		record := repository.FinalCallRecord{
			ExternalID:      lifecycle.ExternalID,
			TrunkID:         lifecycle.TrunkID,
			State:           domain.CallState(lifecycle.State),
			DurationSeconds: lifecycle.DurationSeconds,
			Cause:           lifecycle.Cause,
			Cost:            lifecycle.Cost,
			OccurredAt:      lifecycle.OccurredAt,
		}
		if err := store.RecordFinal(sctx, record); err != nil {
			span.RecordError(err)
			logger.Error("cdr worker: record final", zap.Error(err))
		}

		if err := reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			logger.Error("cdr worker: commit", zap.Error(err))
		}
		span.End()
	}
}
