package httpapi

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/water-quality-aggregation/internal/quality"
)

// QualityService is what the routes need from the quality service.
type QualityService interface {
	Aggregate(ctx context.Context, postalCode string) (quality.AggregatedResult, error)
	Refresh(ctx context.Context, postalCode string) (quality.RefreshReport, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app. The postal code
// is passed to the service as is: its format is not checked and unknown codes
// come back as not found.
func RegisterRoutes(app *fiber.App, service QualityService) {
	api := app.Group("/api")

	api.Get("/quality/:postalCode", func(c *fiber.Ctx) error {
		result, err := service.Aggregate(requestContext(c), c.Params("postalCode"))
		if err != nil {
			return toHTTPError(err)
		}

		return c.JSON(quality.Assemble(result))
	})

	api.Post("/quality/:postalCode/refresh", func(c *fiber.Ctx) error {
		report, err := service.Refresh(requestContext(c), c.Params("postalCode"))
		if err != nil {
			return toHTTPError(err)
		}

		return c.JSON(fiber.Map{
			"status": "success",
			"report": report,
		})
	})
}

// requestContext carries the request id into service logs.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		ctx = quality.WithRequestID(ctx, id)
	}
	return ctx
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, quality.ErrNoSuchPostalCode):
		return fiber.NewError(fiber.StatusNotFound, "Code postal non trouvé")
	case errors.Is(err, quality.ErrNoDataAvailable):
		return fiber.NewError(fiber.StatusNotFound, "Aucune donnée disponible pour ce code postal")
	case errors.Is(err, quality.ErrConfiguration):
		return fiber.NewError(fiber.StatusInternalServerError, "service misconfigured: postal code mapping unavailable")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch water quality data")
	}
}

// ErrorHandler renders errors as {"error": true, "message": "..."}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}
