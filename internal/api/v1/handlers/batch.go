package handlers

import (
	"errors"
	"fmt"

	fiber "github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/clyro-labs/enroller/internal/db/models"
	"github.com/clyro-labs/enroller/internal/ledger"
	"github.com/clyro-labs/enroller/internal/orchestrator"
	"github.com/clyro-labs/enroller/internal/reporting"
	"github.com/clyro-labs/enroller/internal/types"
)

// BatchHandler handles HTTP requests for batch operations
type BatchHandler struct {
	orch   *orchestrator.Orchestrator
	ledger *ledger.Service
	agg    *reporting.Aggregator
	domain string
}

// NewBatchHandler creates a new batch handler instance
func NewBatchHandler(orch *orchestrator.Orchestrator, ledgerSvc *ledger.Service, agg *reporting.Aggregator, domain string) *BatchHandler {
	return &BatchHandler{
		orch:   orch,
		ledger: ledgerSvc,
		agg:    agg,
		domain: domain,
	}
}

// Run accepts a new batch. The request is rejected up front when the
// balance cannot cover the requested count at the configured fee, or
// when a batch is already active.
func (h *BatchHandler) Run(c *fiber.Ctx) error {
	var req types.RunRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidInput(c, err.Error())
	}
	if err := req.Validate(); err != nil {
		return invalidInput(c, err.Error())
	}

	required, balance, shortfall, err := h.ledger.Shortfall(c.Context(), req.TotalAccounts)
	if err != nil {
		return serverError(c, err.Error())
	}
	if shortfall > 0 {
		return c.Status(fiber.StatusPaymentRequired).JSON(types.SlugResponse{
			Slug:  types.ConflictSlug,
			Error: fmt.Sprintf("balance %.2f cannot cover %d accounts", balance, req.TotalAccounts),
			Data: types.ShortfallResponse{
				Required:  required,
				Balance:   balance,
				Shortfall: shortfall,
			},
		})
	}

	batch := &models.Batch{
		Domain:        h.domain,
		TotalAccounts: req.TotalAccounts,
		MaxParallel:   req.MaxParallel,
		ReuseOnly:     req.ReuseOnly,
		RetryFailed:   req.RetryFailed,
	}
	if err := h.orch.Start(c.Context(), batch); err != nil {
		if errors.Is(err, types.ErrBatchActive) {
			return conflict(c, err.Error())
		}
		return serverError(c, err.Error())
	}

	return c.Status(fiber.StatusAccepted).JSON(types.Success(types.RunResponse{BatchID: batch.ID}))
}

// Stop halts the active batch and blocks until it drains.
func (h *BatchHandler) Stop(c *fiber.Ctx) error {
	if err := h.orch.Stop(c.Context()); err != nil {
		if errors.Is(err, types.ErrNoActiveBatch) {
			return notFound(c, err.Error())
		}
		return serverError(c, err.Error())
	}
	return success(c, fiber.Map{"stopped": true})
}

// Status reports the live view of the active batch.
func (h *BatchHandler) Status(c *fiber.Ctx) error {
	status, err := h.orch.Status(c.Context())
	if err != nil {
		return serverError(c, err.Error())
	}
	return success(c, status)
}

// Summary reports the durable outcome tally of a batch.
func (h *BatchHandler) Summary(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return invalidInput(c, "invalid batch id")
	}

	summary, err := h.agg.Summarize(c.Context(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(c, "batch not found")
		}
		return serverError(c, err.Error())
	}
	return success(c, types.SummaryResponse{
		BatchID:   summary.BatchID,
		Success:   summary.Success,
		Failed:    summary.Failed,
		Cancelled: summary.Cancelled,
		Total:     summary.Total,
	})
}
