// Package routes defines the API routes and URL structure
package routes

import (
	"fmt"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/clyro-labs/enroller/internal/api/v1/handlers"
)

// API base configuration
const (
	// DefaultPort is the default port for the API
	DefaultPort = "8080"
	// APIv1Prefix is the prefix for all API endpoints
	APIv1Prefix = "/api/v1"
)

// DefaultBaseURL is the default base URL for the API
var DefaultBaseURL = fmt.Sprintf("http://localhost:%s", DefaultPort)

// Route names for lookup
const (
	// Health check
	HealthCheck = "HealthCheck"

	// Batch routes
	RunBatch        = "RunBatch"
	StopBatch       = "StopBatch"
	GetBatchStatus  = "GetBatchStatus"
	GetBatchSummary = "GetBatchSummary"

	// Ledger routes
	GetBalance    = "GetBalance"
	CreditBalance = "CreditBalance"

	// Report routes
	GetUsedIdentities = "GetUsedIdentities"
	GetFailedChannels = "GetFailedChannels"
	GetReuseQueue     = "GetReuseQueue"
	PutReuseQueue     = "PutReuseQueue"
)

// RegisterRoutes configures all the v1 routes
//
// NOTE: route ordering matters because fiber matches routes in the
// order they are registered; param routes (/:id) go after fixed slugs.
func RegisterRoutes(
	app *fiber.App,
	batchHandler *handlers.BatchHandler,
	ledgerHandler *handlers.LedgerHandler,
	reportsHandler *handlers.ReportsHandler,
) {
	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	}).Name(HealthCheck)

	// API v1 routes
	v1 := app.Group(APIv1Prefix)

	// Batch endpoints
	batches := v1.Group("/batches")
	batches.Get("/status", batchHandler.Status).Name(GetBatchStatus)
	batches.Get("/:id/summary", batchHandler.Summary).Name(GetBatchSummary)
	batches.Post("/", batchHandler.Run).Name(RunBatch)
	batches.Post("/stop", batchHandler.Stop).Name(StopBatch)

	// Ledger endpoints
	balance := v1.Group("/balance")
	balance.Get("/", ledgerHandler.GetBalance).Name(GetBalance)
	balance.Post("/credit", ledgerHandler.Credit).Name(CreditBalance)

	// Report endpoints
	reports := v1.Group("/reports")
	reports.Get("/used-identities", reportsHandler.UsedIdentities).Name(GetUsedIdentities)
	reports.Get("/failed-channels", reportsHandler.FailedChannels).Name(GetFailedChannels)
	reports.Get("/reuse-queue", reportsHandler.ReuseQueue).Name(GetReuseQueue)
	reports.Put("/reuse-queue", reportsHandler.UpdateReuseQueue).Name(PutReuseQueue)
}

// Route helpers used by the API client.

// HealthCheckURL returns the URL for the health check endpoint
func HealthCheckURL() string {
	return "/health"
}

// RunBatchURL returns the URL for starting a batch
func RunBatchURL() string {
	return APIv1Prefix + "/batches"
}

// StopBatchURL returns the URL for stopping the active batch
func StopBatchURL() string {
	return APIv1Prefix + "/batches/stop"
}

// BatchStatusURL returns the URL for the live batch status
func BatchStatusURL() string {
	return APIv1Prefix + "/batches/status"
}

// BatchSummaryURL returns the URL for a batch summary
func BatchSummaryURL(id uint) string {
	return fmt.Sprintf("%s/batches/%d/summary", APIv1Prefix, id)
}

// BalanceURL returns the URL for the balance endpoint
func BalanceURL() string {
	return APIv1Prefix + "/balance"
}

// CreditBalanceURL returns the URL for crediting the balance
func CreditBalanceURL() string {
	return APIv1Prefix + "/balance/credit"
}

// UsedIdentitiesURL returns the URL for the used-identity report
func UsedIdentitiesURL() string {
	return APIv1Prefix + "/reports/used-identities"
}

// FailedChannelsURL returns the URL for the failed-channel report
func FailedChannelsURL(batchID uint) string {
	if batchID == 0 {
		return APIv1Prefix + "/reports/failed-channels"
	}
	return fmt.Sprintf("%s/reports/failed-channels?batch_id=%d", APIv1Prefix, batchID)
}

// ReuseQueueURL returns the URL for the reuse-queue report
func ReuseQueueURL() string {
	return APIv1Prefix + "/reports/reuse-queue"
}
