package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/trunk-fallback-gateway/internal/capacity"
	"github.com/acme/trunk-fallback-gateway/internal/config"
	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/enrich"
	"github.com/acme/trunk-fallback-gateway/internal/gateway"
	"github.com/acme/trunk-fallback-gateway/internal/repository"
	"github.com/acme/trunk-fallback-gateway/internal/switchctl"
	"github.com/acme/trunk-fallback-gateway/internal/tracker"
	apperrors "github.com/acme/trunk-fallback-gateway/pkg/errors"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

// TrunkStore persists trunk counter mutations.
type TrunkStore interface {
	RecordSuccess(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) error
	ReleaseCall(ctx context.Context, id uuid.UUID) error
}

// TariffLookup resolves provider tariffs for cost estimation.
type TariffLookup interface {
	GetByName(ctx context.Context, name string) (*domain.Provider, error)
}

// AttemptSink receives per-attempt and terminal call records.
type AttemptSink interface {
	RecordAttempt(ctx context.Context, attempt domain.OriginationAttempt) error
	RecordFinal(ctx context.Context, record repository.FinalCallRecord) error
}

// Deps bundles the orchestrator collaborators. Records, Transcriber and
// Sentiment may be nil; their absence degrades the result, never the call.
type Deps struct {
	Gateway     *gateway.Gateway
	Switch      switchctl.Manager
	Guard       capacity.Guard
	Trunks      TrunkStore
	Providers   TariffLookup
	Tracker     *tracker.Tracker
	Records     AttemptSink
	Transcriber enrich.Transcriber
	Sentiment   enrich.SentimentAnalyzer
}

// Orchestrator walks an ordered trunk list for each call request: capacity
// gate, atomic slot reservation, origination, and failure bookkeeping. Trunk
// iteration within one request is strictly sequential; independent requests
// run concurrently.
type Orchestrator struct {
	deps   Deps
	cfg    config.FallbackConfig
	logger *logger.Logger
}

// New builds the fallback orchestrator.
func New(deps Deps, cfg config.FallbackConfig, lg *logger.Logger) *Orchestrator {
	return &Orchestrator{deps: deps, cfg: cfg, logger: lg}
}

// PlaceCall tries each candidate trunk in the given order and returns on the
// first success. The candidate order is the caller's responsibility.
func (o *Orchestrator) PlaceCall(ctx context.Context, req domain.CallRequest, trunks []domain.Trunk) (domain.FallbackResult, error) {
	if req.To == "" {
		return domain.FallbackResult{Error: "destination number is required"},
			fmt.Errorf("%w: destination number is required", apperrors.ErrValidation)
	}
	if len(trunks) == 0 {
		err := &AllTrunksFailedError{Attempts: 0, LastError: "no candidate trunks"}
		return domain.FallbackResult{Error: err.Error()}, err
	}

	tracer := otel.Tracer("trunkgw.fallback")
	ctx, span := tracer.Start(ctx, "fallback.place_call", trace.WithAttributes(
		attribute.String("destination", req.To),
		attribute.Int("candidates", len(trunks)),
	))
	defer span.End()

	var attempts []domain.OriginationAttempt
	lastError := ""
	unreachable := true

	for i := range trunks {
		trunk := trunks[i]
		from := req.From
		if from == "" {
			from = trunk.SIPUsername
		}

		// Capacity gate on the store snapshot first, then the atomic
		// reservation. The guard owns the live count; the snapshot catches
		// saturation known to the external store.
		if trunk.CurrentCalls >= trunk.MaxChannels {
			lastError = fmt.Sprintf("%s (%d/%d)", apperrors.ErrCapacityExceeded.Error(), trunk.CurrentCalls, trunk.MaxChannels)
			attempts = append(attempts, o.recordAttempt(ctx, failedAttempt(trunk, lastError)))
			unreachable = false
			o.logger.Warn("trunk at channel limit",
				zap.String("trunk", trunk.Name),
				zap.Int("current", trunk.CurrentCalls),
				zap.Int("max", trunk.MaxChannels))
			continue
		}

		acquired, err := o.deps.Guard.Acquire(ctx, trunk.ID, trunk.MaxChannels)
		if err != nil {
			lastError = err.Error()
			attempts = append(attempts, o.recordAttempt(ctx, failedAttempt(trunk, lastError)))
			unreachable = false
			o.logger.Error("capacity guard failed", zap.String("trunk", trunk.Name), zap.Error(err))
			continue
		}
		if !acquired {
			lastError = fmt.Sprintf("%s (%d max)", apperrors.ErrCapacityExceeded.Error(), trunk.MaxChannels)
			attempts = append(attempts, o.recordAttempt(ctx, failedAttempt(trunk, lastError)))
			unreachable = false
			continue
		}

		start := time.Now()
		result := o.deps.Gateway.PlaceCall(ctx, trunk.SIPUsername, req.To, from, 0)
		attempt := domain.OriginationAttempt{
			TrunkID:    trunk.ID,
			TrunkName:  trunk.Name,
			Success:    result.Success,
			ExternalID: result.ExternalID,
			Error:      result.Error,
			Latency:    time.Since(start),
			At:         time.Now().UTC(),
		}
		attempts = append(attempts, o.recordAttempt(ctx, attempt))

		if result.Success {
			span.SetAttributes(attribute.String("trunk", trunk.Name))
			o.logger.Info("call originated",
				zap.String("trunk", trunk.Name),
				zap.String("external_id", result.ExternalID))

			avgTariff := o.lookupTariff(ctx, trunk.Provider)
			if err := o.deps.Trunks.RecordSuccess(ctx, trunk.ID); err != nil {
				o.logger.Warn("record trunk success", zap.Error(err))
			}
			o.watch(trunk.ID, result.ExternalID, avgTariff)

			trunkID := trunk.ID
			res := domain.FallbackResult{
				Success:       true,
				TrunkID:       &trunkID,
				ExternalID:    result.ExternalID,
				EstimatedCost: estimateCost(o.cfg.AssumedDuration, avgTariff),
				Attempts:      attempts,
			}
			o.enrichResult(ctx, req, &res)
			return res, nil
		}

		// Failed attempt: free the slot, bump counters, move on.
		if rerr := o.deps.Guard.Release(ctx, trunk.ID); rerr != nil {
			o.logger.Warn("release capacity slot", zap.Error(rerr))
		}
		lastError = result.Error
		if lastError == "" {
			lastError = "unknown trunk error"
		}
		if !result.Unavailable {
			unreachable = false
		}
		if err := o.deps.Trunks.RecordFailure(ctx, trunk.ID, lastError); err != nil {
			o.logger.Warn("record trunk failure", zap.Error(err))
		}
		o.logger.Warn("trunk attempt failed",
			zap.String("trunk", trunk.Name),
			zap.String("reason", lastError))
	}

	aggErr := &AllTrunksFailedError{
		Attempts:          len(trunks),
		LastError:         lastError,
		SwitchUnreachable: unreachable,
	}
	span.RecordError(aggErr)
	o.logger.Error("all trunks failed",
		zap.Int("attempted", len(trunks)),
		zap.String("last_error", lastError))
	return domain.FallbackResult{Attempts: attempts, Error: aggErr.Error()}, aggErr
}

// TrunkTestResult reports a connectivity probe through a single trunk.
type TrunkTestResult struct {
	Success bool
	Error   string
	Latency time.Duration
}

// TestTrunk originates a short probe call to the echo destination through one
// trunk and hangs it up immediately.
func (o *Orchestrator) TestTrunk(ctx context.Context, trunk domain.Trunk) TrunkTestResult {
	acquired, err := o.deps.Guard.Acquire(ctx, trunk.ID, trunk.MaxChannels)
	if err != nil {
		return TrunkTestResult{Error: err.Error()}
	}
	if !acquired {
		return TrunkTestResult{Error: apperrors.ErrCapacityExceeded.Error()}
	}
	defer func() {
		if rerr := o.deps.Guard.Release(context.Background(), trunk.ID); rerr != nil {
			o.logger.Warn("release probe slot", zap.Error(rerr))
		}
	}()

	start := time.Now()
	result := o.deps.Gateway.PlaceCall(ctx, trunk.SIPUsername, o.cfg.EchoDestination, trunk.SIPUsername, 0)
	latency := time.Since(start)

	if !result.Success {
		return TrunkTestResult{Error: result.Error, Latency: latency}
	}
	if o.deps.Switch != nil {
		o.deps.Switch.Hangup(ctx, result.ExternalID)
	}
	return TrunkTestResult{Success: true, Latency: latency}
}

// watch arranges the terminal bookkeeping for a successfully originated call:
// slot release, counter decrement and final cost reconciliation from the
// measured duration.
func (o *Orchestrator) watch(trunkID uuid.UUID, externalID string, avgTariff float64) {
	if o.deps.Tracker == nil {
		return
	}
	o.deps.Tracker.Track(externalID, func(note domain.CallNotification) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := o.deps.Guard.Release(ctx, trunkID); err != nil {
			o.logger.Warn("release slot on hangup", zap.Error(err))
		}
		if err := o.deps.Trunks.ReleaseCall(ctx, trunkID); err != nil {
			o.logger.Warn("decrement trunk calls", zap.Error(err))
		}
		if o.deps.Records != nil {
			record := repository.FinalCallRecord{
				ExternalID:      note.ExternalID,
				TrunkID:         trunkID,
				State:           note.FinalState,
				DurationSeconds: note.DurationSeconds,
				Cause:           note.Cause,
				Cost:            costFor(note.DurationSeconds, avgTariff),
				OccurredAt:      time.Now().UTC(),
			}
			if err := o.deps.Records.RecordFinal(ctx, record); err != nil {
				o.logger.Warn("record final call", zap.Error(err))
			}
		}
	})
}

func (o *Orchestrator) recordAttempt(ctx context.Context, attempt domain.OriginationAttempt) domain.OriginationAttempt {
	if o.deps.Records != nil {
		if err := o.deps.Records.RecordAttempt(ctx, attempt); err != nil {
			o.logger.Warn("record attempt", zap.Error(err))
		}
	}
	return attempt
}

// lookupTariff averages the provider's fixed and mobile tariffs, falling back
// to the default tariff when the provider record is unavailable.
func (o *Orchestrator) lookupTariff(ctx context.Context, providerName string) float64 {
	if providerName != "" && o.deps.Providers != nil {
		provider, err := o.deps.Providers.GetByName(ctx, providerName)
		if err == nil {
			return (provider.TariffFixed + provider.TariffMobile) / 2
		}
		o.logger.Warn("provider tariff lookup failed, using default",
			zap.String("provider", providerName),
			zap.Error(err))
	}
	return o.cfg.DefaultTariff
}

// enrichResult applies the optional post-call capabilities. Failures degrade
// to nil fields; they never abort the successful result.
func (o *Orchestrator) enrichResult(ctx context.Context, req domain.CallRequest, res *domain.FallbackResult) {
	if res.ExternalID == "" {
		return
	}
	if req.RecordCall {
		url := enrich.RecordingURL(res.ExternalID)
		res.RecordingURL = &url
	}
	if req.Transcribe && o.deps.Transcriber != nil {
		text, err := o.deps.Transcriber.Transcribe(ctx, res.ExternalID)
		if err != nil {
			o.logger.Warn("transcription failed", zap.Error(err))
		} else {
			res.Transcription = &text
		}
	}
	if req.AnalyzeSentiment && o.deps.Sentiment != nil {
		label, err := o.deps.Sentiment.AnalyzeSentiment(ctx, res.ExternalID)
		if err != nil {
			o.logger.Warn("sentiment analysis failed", zap.Error(err))
		} else {
			res.Sentiment = &label
		}
	}
}

func failedAttempt(trunk domain.Trunk, reason string) domain.OriginationAttempt {
	return domain.OriginationAttempt{
		TrunkID:   trunk.ID,
		TrunkName: trunk.Name,
		Error:     reason,
		At:        time.Now().UTC(),
	}
}

func estimateCost(assumed time.Duration, avgTariff float64) float64 {
	return costFor(int64(assumed/time.Second), avgTariff)
}

func costFor(durationSeconds int64, avgTariff float64) float64 {
	return float64(durationSeconds) / 60 * avgTariff
}
