package handlers

import (
	"strings"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/clyro-labs/enroller/internal/reporting"
	"github.com/clyro-labs/enroller/internal/types"
)

// ReportsHandler serves the plain-text report artifacts.
type ReportsHandler struct {
	agg    *reporting.Aggregator
	domain string
}

// NewReportsHandler creates a new reports handler instance
func NewReportsHandler(agg *reporting.Aggregator, domain string) *ReportsHandler {
	return &ReportsHandler{agg: agg, domain: domain}
}

// UsedIdentities serves the used-identity list, one address per line.
func (h *ReportsHandler) UsedIdentities(c *fiber.Ctx) error {
	body, err := h.agg.UsedIdentities(c.Context(), h.domain)
	if err != nil {
		return serverError(c, err.Error())
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(body)
}

// FailedChannels serves the failed-channel list, one phone per line.
// An optional batch_id query parameter narrows it to one batch.
func (h *ReportsHandler) FailedChannels(c *fiber.Ctx) error {
	batchID := c.QueryInt("batch_id")
	if batchID < 0 {
		return invalidInput(c, "invalid batch_id")
	}

	body, err := h.agg.FailedChannels(c.Context(), uint(batchID))
	if err != nil {
		return serverError(c, err.Error())
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(body)
}

// ReuseQueue serves the reusable-identity queue, one address per line
// in reuse order.
func (h *ReportsHandler) ReuseQueue(c *fiber.Ctx) error {
	body, err := h.agg.ReuseQueue(c.Context(), h.domain)
	if err != nil {
		return serverError(c, err.Error())
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(body)
}

// UpdateReuseQueue replaces the reuse queue with an operator-edited
// list. Accepts either a plain-text body or a JSON envelope; the whole
// update is rejected if any line fails validation.
func (h *ReportsHandler) UpdateReuseQueue(c *fiber.Ctx) error {
	body := string(c.Body())
	if strings.Contains(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		var req types.ReuseQueueUpdateRequest
		if err := c.BodyParser(&req); err != nil {
			return invalidInput(c, err.Error())
		}
		body = req.Body
	}

	if err := h.agg.UpdateReuseQueue(c.Context(), h.domain, body); err != nil {
		return invalidInput(c, err.Error())
	}
	return h.ReuseQueue(c)
}
