package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type trunkStatsResponse struct {
	TrunkID     uuid.UUID  `json:"trunk_id"`
	Name        string     `json:"name"`
	TotalCalls  int64      `json:"total_calls"`
	FailedCalls int64      `json:"failed_calls"`
	SuccessRate float64    `json:"success_rate"`
	LastError   *string    `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

func (h *HandlerSet) trunkStats(ctx *fiber.Ctx) error {
	stats, err := h.container.Repositories().Trunks.Stats(ctx.Context())
	if err != nil {
		return translateError(err)
	}

	resp := make([]trunkStatsResponse, 0, len(stats))
	for _, s := range stats {
		resp = append(resp, trunkStatsResponse{
			TrunkID:     s.TrunkID,
			Name:        s.Name,
			TotalCalls:  s.TotalCalls,
			FailedCalls: s.FailedCalls,
			SuccessRate: s.SuccessRate,
			LastError:   s.LastError,
			LastErrorAt: s.LastErrorAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"trunks": resp})
}

func (h *HandlerSet) trunkFailures(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid trunk id")
	}

	limit := ctx.QueryInt("limit", 50)
	failures, err := h.container.Repositories().Trunks.ListFailures(ctx.Context(), id, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]fiber.Map, 0, len(failures))
	for _, f := range failures {
		resp = append(resp, fiber.Map{
			"trunk_id":    f.TrunkID,
			"error":       f.Error,
			"occurred_at": f.Timestamp,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"failures": resp})
}

func (h *HandlerSet) testTrunk(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid trunk id")
	}

	trunk, err := h.container.Repositories().Trunks.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	result := h.orchestrator.TestTrunk(ctx.Context(), *trunk)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	return ctx.Status(status).JSON(fiber.Map{
		"trunk_id":   trunk.ID,
		"name":       trunk.Name,
		"success":    result.Success,
		"error":      result.Error,
		"latency_ms": result.Latency.Milliseconds(),
	})
}
