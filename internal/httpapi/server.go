// Package httpapi is the JSON intake API in front of intake.Service.
package httpapi

import (
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/yourorg/eylo/internal/intake"
)

// DefaultUserID is used when a request carries no X-User-ID header.
const DefaultUserID = "00000000-0000-0000-0000-000000000001"

type Handler struct {
	Service  *intake.Service
	Logger   *slog.Logger
	validate *validator.Validate
}

// NewApp builds the fiber app with every route registered.
func NewApp(svc *intake.Service, logger *slog.Logger) *fiber.App {
	h := &Handler{Service: svc, Logger: logger, validate: validator.New()}

	app := fiber.New(fiber.Config{
		AppName:      "eylo",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})
	app.Use(RequestLogger(logger))

	app.Get("/health", h.Health)

	v1 := app.Group("/api/v1")
	v1.Post("/imports", h.SubmitImport)
	v1.Post("/imports/:id/resubmit", h.ResubmitImport)
	v1.Get("/jobs", h.ListJobs)
	v1.Get("/jobs/:id", h.GetJob)
	v1.Get("/recipes", h.ListRecipes)
	v1.Get("/recipes/:id", h.GetRecipe)

	return app
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID := uuid.NewString()
		c.Locals("requestid", requestID)

		err := c.Next()

		status := c.Response().StatusCode()
		attrs := []any{
			"request_id", requestID,
			"http_method", c.Method(),
			"uri", c.OriginalURL(),
			"status_code", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.IP(),
		}
		switch {
		case err != nil:
			logger.Error("request processing failed", append(attrs, "err", err)...)
		case status >= 500:
			logger.Error("request completed with server error", attrs...)
		case status >= 400:
			logger.Warn("request completed with client error", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
		return err
	}
}

func userID(c *fiber.Ctx) string {
	if id := c.Get("X-User-ID"); id != "" {
		return id
	}
	return DefaultUserID
}
