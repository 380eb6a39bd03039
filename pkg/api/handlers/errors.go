package handlers

import "github.com/gofiber/fiber/v3"

// ErrInvalidRange is returned when start/end query parameters are missing or malformed
var ErrInvalidRange = fiber.NewError(fiber.StatusBadRequest, "invalid block range, expected start <= end")

// ErrInvalidBody is returned when a request body cannot be decoded
var ErrInvalidBody = fiber.NewError(fiber.StatusBadRequest, "invalid request body")
