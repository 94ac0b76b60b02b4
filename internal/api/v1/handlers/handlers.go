// Package handlers implements the HTTP handlers of the v1 API.
package handlers

import (
	fiber "github.com/gofiber/fiber/v2"

	"github.com/clyro-labs/enroller/internal/types"
)

func invalidInput(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(types.ErrInvalidInput(msg))
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(types.ErrNotFound(msg))
}

func conflict(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusConflict).JSON(types.ErrConflict(msg))
}

func serverError(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(types.ErrServer(msg))
}

func success(c *fiber.Ctx, data interface{}) error {
	return c.JSON(types.Success(data))
}
