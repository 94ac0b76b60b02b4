// Package app assembles the fiber application from the wired handlers.
package app

import (
	fiber "github.com/gofiber/fiber/v2"

	"github.com/clyro-labs/enroller/internal/api/v1/handlers"
	"github.com/clyro-labs/enroller/internal/api/v1/middleware"
	"github.com/clyro-labs/enroller/internal/api/v1/routes"
)

// New builds the fiber app with middleware and versioned routes
// registered.
func New(
	batchHandler *handlers.BatchHandler,
	ledgerHandler *handlers.LedgerHandler,
	reportsHandler *handlers.ReportsHandler,
) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})

	app.Use(middleware.Logger())

	routes.RegisterRoutes(app, batchHandler, ledgerHandler, reportsHandler)

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
