package response

import "github.com/gofiber/fiber/v2"

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeBadRequest      = "BAD_REQUEST"
	CodeNotFound        = "NOT_FOUND"
	CodeNotReady        = "NOT_READY"
	CodeJobFailed       = "JOB_FAILED"
	CodeServiceError    = "SERVICE_ERROR"
	CodeUnavailable     = "UNAVAILABLE"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// PartialSubmit lists the jobs created before a multi-file submission failed.
type PartialSubmit struct {
	Payload []string `json:"payload"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func BadRequest(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadRequest, CodeBadRequest, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

// JobFailed reports a job that finished with a failure record. The status is
// 400, as clients of the original API expect.
func JobFailed(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadRequest, CodeJobFailed, message, nil)
}

// Conflict reports a job whose output is not there yet.
func Conflict(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, CodeNotReady, message, nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

// SubmitFailed reports a submission that stopped part way. Jobs in accepted
// exist and will run, so their ids are returned to the client.
func SubmitFailed(c *fiber.Ctx, message string, accepted []string) error {
	if accepted == nil {
		accepted = []string{}
	}
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, PartialSubmit{Payload: accepted})
}

// Unavailable reports failed readiness checks.
func Unavailable(c *fiber.Ctx, message string, checks interface{}) error {
	return Error(c, fiber.StatusServiceUnavailable, CodeUnavailable, message, checks)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}
