package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

func (h *HandlerSet) switchStatus(ctx *fiber.Ctx) error {
	manager := h.container.Switch()
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"state":              string(manager.State()),
		"reconnect_attempts": manager.ReconnectAttempts(),
		"active_channels":    len(manager.ListChannels(ctx.Context())),
		"simulated":          h.container.Config.Switch.Simulated,
	})
}

func (h *HandlerSet) switchChannels(ctx *fiber.Ctx) error {
	channels := h.container.Switch().ListChannels(ctx.Context())

	resp := make([]fiber.Map, 0, len(channels))
	for _, ch := range channels {
		resp = append(resp, fiber.Map{
			"channel":     ch.Channel,
			"state":       ch.State,
			"external_id": ch.ExternalID,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"count":    len(resp),
		"channels": resp,
	})
}
