package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/fallback"
)

type initiateCallRequest struct {
	To               string         `json:"to"`
	From             string         `json:"from"`
	TrunkID          string         `json:"trunk_id"`
	RecordCall       bool           `json:"record_call"`
	Transcribe       bool           `json:"transcribe"`
	AnalyzeSentiment bool           `json:"analyze_sentiment"`
	Metadata         map[string]any `json:"metadata"`
}

type attemptResponse struct {
	TrunkID   uuid.UUID `json:"trunk_id"`
	TrunkName string    `json:"trunk_name"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	At        time.Time `json:"at"`
}

type callResponse struct {
	Success       bool              `json:"success"`
	ExternalID    string            `json:"external_id,omitempty"`
	TrunkID       *uuid.UUID        `json:"trunk_id,omitempty"`
	EstimatedCost float64           `json:"estimated_cost"`
	RecordingURL  *string           `json:"recording_url,omitempty"`
	Transcription *string           `json:"transcription,omitempty"`
	Sentiment     *string           `json:"sentiment,omitempty"`
	Attempts      []attemptResponse `json:"attempts"`
	Error         string            `json:"error,omitempty"`
}

func (h *HandlerSet) initiateCall(ctx *fiber.Ctx) error {
	var req initiateCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.To == "" {
		return fiber.NewError(http.StatusBadRequest, "destination number is required")
	}

	request := domain.CallRequest{
		To:               req.To,
		From:             req.From,
		RecordCall:       req.RecordCall,
		Transcribe:       req.Transcribe,
		AnalyzeSentiment: req.AnalyzeSentiment,
		Metadata:         req.Metadata,
	}

	trunks, err := h.candidateTrunks(ctx, &request, req.TrunkID)
	if err != nil {
		return err
	}

	result, err := h.orchestrator.PlaceCall(ctx.Context(), request, trunks)
	if err != nil {
		var allFailed *fallback.AllTrunksFailedError
		if errors.As(err, &allFailed) {
			status := http.StatusBadGateway
			if allFailed.SwitchUnreachable {
				status = http.StatusServiceUnavailable
			}
			return ctx.Status(status).JSON(toCallResponse(result))
		}
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCallResponse(result))
}

// candidateTrunks resolves the trunk iteration order for one request: a pinned
// trunk when the caller names one, the full active priority order otherwise.
func (h *HandlerSet) candidateTrunks(ctx *fiber.Ctx, request *domain.CallRequest, trunkID string) ([]domain.Trunk, error) {
	repos := h.container.Repositories()

	if trunkID != "" {
		id, err := uuid.Parse(trunkID)
		if err != nil {
			return nil, fiber.NewError(http.StatusBadRequest, "invalid trunk id")
		}
		request.TrunkID = &id
		trunk, err := repos.Trunks.Get(ctx.Context(), id)
		if err != nil {
			return nil, translateError(err)
		}
		return []domain.Trunk{*trunk}, nil
	}

	trunks, err := repos.Trunks.ListActiveOrdered(ctx.Context())
	if err != nil {
		return nil, translateError(err)
	}
	return trunks, nil
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	externalID := ctx.Params("external_id")
	state, known := h.container.Tracker().StateOf(externalID)
	if !known {
		return fiber.NewError(http.StatusNotFound, "call not tracked")
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"external_id": externalID,
		"state":       string(state),
		"terminal":    state.Terminal(),
	})
}

func (h *HandlerSet) hangupCall(ctx *fiber.Ctx) error {
	externalID := ctx.Params("external_id")
	if !h.container.Switch().Hangup(ctx.Context(), externalID) {
		return fiber.NewError(http.StatusNotFound, "no active call for external id")
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"external_id": externalID,
		"status":      "hangup requested",
	})
}

func (h *HandlerSet) listCDR(ctx *fiber.Ctx) error {
	day := time.Now().UTC()
	if raw := ctx.Query("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid day, expected YYYY-MM-DD")
		}
		day = parsed
	}
	limit := ctx.QueryInt("limit", 100)

	records, err := h.container.Repositories().Calls.ListCallsByDay(ctx.Context(), day, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		resp = append(resp, fiber.Map{
			"external_id":      r.ExternalID,
			"trunk_id":         r.TrunkID,
			"state":            string(r.State),
			"duration_seconds": r.DurationSeconds,
			"cause":            r.Cause,
			"cost":             r.Cost,
			"occurred_at":      r.OccurredAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"calls": resp})
}

func toCallResponse(result domain.FallbackResult) callResponse {
	resp := callResponse{
		Success:       result.Success,
		ExternalID:    result.ExternalID,
		TrunkID:       result.TrunkID,
		EstimatedCost: result.EstimatedCost,
		RecordingURL:  result.RecordingURL,
		Transcription: result.Transcription,
		Sentiment:     result.Sentiment,
		Error:         result.Error,
	}
	for _, attempt := range result.Attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			TrunkID:   attempt.TrunkID,
			TrunkName: attempt.TrunkName,
			Success:   attempt.Success,
			Error:     attempt.Error,
			LatencyMs: attempt.Latency.Milliseconds(),
			At:        attempt.At,
		})
	}
	return resp
}
