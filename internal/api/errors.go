package api

import (
	"github.com/gofiber/fiber/v2"
)

// envelopeVersion tags every license endpoint response.
const envelopeVersion = "license.v1"

// response is the shared envelope for all license endpoints, success and
// failure alike.
type response struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data"`
	Error *errorBody `json:"error"`
	Ver   string     `json:"ver"`
}

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiError is a failure the caller is allowed to see. Everything else renders
// as a generic server error.
type apiError struct {
	status  int
	typ     string
	code    string
	message string
}

func (e *apiError) Error() string {
	return e.code + ": " + e.message
}

func errValidation(code, message string) *apiError {
	return &apiError{status: fiber.StatusBadRequest, typ: "validation", code: code, message: message}
}

func errUnauthorized() *apiError {
	return &apiError{status: fiber.StatusUnauthorized, typ: "auth", code: "unauthorized", message: "authorization required"}
}

func errForbidden(code, message string) *apiError {
	return &apiError{status: fiber.StatusForbidden, typ: "auth", code: code, message: message}
}

// errLicenseNotFound is deliberately generic: the message must not confirm
// whether a key exists.
func errLicenseNotFound() *apiError {
	return &apiError{status: fiber.StatusNotFound, typ: "not_found", code: "license_not_found", message: "license not found"}
}

func errRateLimited(dimension string) *apiError {
	return &apiError{status: fiber.StatusTooManyRequests, typ: "rate_limit",
		code: "rate_limited_" + dimension, message: "too many requests, retry later"}
}

func errRateUnavailable() *apiError {
	return &apiError{status: fiber.StatusServiceUnavailable, typ: "server",
		code: "rate_limit_unavailable", message: "service temporarily unavailable"}
}

func errServer() *apiError {
	return &apiError{status: fiber.StatusInternalServerError, typ: "server",
		code: "internal_error", message: "internal error"}
}

func ok(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusOK).JSON(response{OK: true, Data: data, Ver: envelopeVersion})
}

func fail(c *fiber.Ctx, e *apiError) error {
	return c.Status(e.status).JSON(response{
		OK:    false,
		Error: &errorBody{Type: e.typ, Code: e.code, Message: e.message},
		Ver:   envelopeVersion,
	})
}
