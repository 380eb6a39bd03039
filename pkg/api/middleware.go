package api

import (
	"context"
	"errors"
	"time"

	"github.com/ethpandaops/chaincache/pkg/coverage"
	"github.com/ethpandaops/chaincache/pkg/lock"
	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/sirupsen/logrus"
)

// setupMiddleware installs panic recovery, request ids, request logging and CORS
func setupMiddleware(app *fiber.App, log logrus.FieldLogger) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New())
	app.Use(requestLogger(log))

	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
	}))
}

// requestLogger logs every request through logrus at debug, and failed ones at warn
func requestLogger(log logrus.FieldLogger) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		entry := log.WithFields(logrus.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"latency":    time.Since(start),
			"request_id": c.GetRespHeader(fiber.HeaderXRequestID),
		})

		if status >= fiber.StatusInternalServerError {
			entry.WithError(err).Warn("Request failed")
		} else {
			entry.Debug("Request served")
		}

		return err
	}
}

// statusFor maps cache errors that reach the error handler unclassified
func statusFor(err error) (int, string) {
	var fiberErr *fiber.Error

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code, fiberErr.Message
	case errors.Is(err, lock.ErrLockHeld):
		return fiber.StatusConflict, "key is locked by another writer"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, coverage.ErrCoverageCorruption):
		return fiber.StatusInternalServerError, "coverage corruption"
	default:
		return fiber.StatusInternalServerError, "Internal Server Error"
	}
}

// newErrorHandler renders errors as {"error", "code"} JSON
func newErrorHandler(log logrus.FieldLogger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code, message := statusFor(err)

		if errors.Is(err, coverage.ErrCoverageCorruption) {
			observability.RecordError("api", "coverage_corruption")
			log.WithError(err).WithField("path", c.Path()).Error("Coverage corruption detected")
		}

		return c.Status(code).JSON(fiber.Map{
			"error": message,
			"code":  code,
		})
	}
}
