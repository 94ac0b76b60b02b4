package handlers

import (
	fiber "github.com/gofiber/fiber/v2"

	"github.com/clyro-labs/enroller/internal/ledger"
	"github.com/clyro-labs/enroller/internal/types"
)

// LedgerHandler handles HTTP requests for balance operations
type LedgerHandler struct {
	ledger *ledger.Service
}

// NewLedgerHandler creates a new ledger handler instance
func NewLedgerHandler(ledgerSvc *ledger.Service) *LedgerHandler {
	return &LedgerHandler{ledger: ledgerSvc}
}

// GetBalance reports the current balance, the per-account fee and how
// many accounts the balance can cover.
func (h *LedgerHandler) GetBalance(c *fiber.Ctx) error {
	balance, err := h.ledger.Balance(c.Context())
	if err != nil {
		return serverError(c, err.Error())
	}
	capacity, err := h.ledger.Capacity(c.Context())
	if err != nil {
		return serverError(c, err.Error())
	}
	return success(c, types.BalanceResponse{
		Balance:  balance,
		Fee:      h.ledger.Fee(),
		Capacity: capacity,
	})
}

// Credit tops up the balance.
func (h *LedgerHandler) Credit(c *fiber.Ctx) error {
	var req types.CreditRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidInput(c, err.Error())
	}
	if req.Amount <= 0 {
		return invalidInput(c, "amount must be positive")
	}

	if err := h.ledger.Credit(c.Context(), req.Amount, req.Note); err != nil {
		return serverError(c, err.Error())
	}
	return h.GetBalance(c)
}
