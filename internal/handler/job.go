package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/talkbank/ba2-server/internal/model"
	"github.com/talkbank/ba2-server/internal/service"
	"github.com/talkbank/ba2-server/internal/store"
	ws "github.com/talkbank/ba2-server/internal/websocket"
	"github.com/talkbank/ba2-server/pkg/response"
)

const inputField = "input"

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
	log       zerolog.Logger
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, log zerolog.Logger) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
		log:       log.With().Str("component", "job_handler").Logger(),
	}
}

// Submit handles POST /api
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	form, err := c.MultipartForm()
	if err != nil {
		return response.ValidationError(c, "Multipart form with input files is required", nil)
	}
	files := form.File[inputField]
	if len(files) == 0 {
		return response.ValidationError(c, "At least one input file is required", map[string]string{inputField: "required"})
	}

	uploads, err := readUploads(files)
	if err != nil {
		return response.ServiceError(c, "Failed to read uploaded file")
	}

	ids, err := h.service.Submit(c.UserContext(), uploads, jobParams(&req))
	if err != nil {
		h.log.Error().Err(err).Int("accepted", len(ids)).Msg("submit failed")
		return response.SubmitFailed(c, "Failed to save job", ids)
	}

	return response.OK(c, model.SubmitResponse{
		Payload: ids,
		Status:  model.StatusOK,
		Key:     model.StatusKeySubmitted,
	})
}

// Status handles GET /api/:id
func (h *JobHandler) Status(c *fiber.Ctx) error {
	status, err := h.service.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		h.log.Error().Err(err).Msg("status lookup failed")
		return response.ServiceError(c, "Failed to read job status")
	}
	return response.OK(c, status)
}

// Result handles GET /api/get/:id and GET /api/get/:id.cha
func (h *JobHandler) Result(c *fiber.Ctx) error {
	id := strings.TrimSuffix(strings.TrimSpace(c.Params("id")), ".cha")
	_, out, err := h.service.Result(c.UserContext(), id)
	if err != nil {
		return h.resultError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(out)
}

// Download handles GET /download/:id, sending the output as <name>.cha
func (h *JobHandler) Download(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	name, out, err := h.service.Result(c.UserContext(), id)
	if err != nil {
		return h.resultError(c, err)
	}

	if name == "" {
		name = id
	}
	c.Attachment(name + ".cha")
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(out)
}

func (h *JobHandler) resultError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Item not found.")
	case errors.Is(err, service.ErrJobFailed):
		return response.JobFailed(c, "Item processing errored.")
	case errors.Is(err, service.ErrNotDone):
		return response.Conflict(c, "Item is still processing.")
	default:
		h.log.Error().Err(err).Msg("result lookup failed")
		return response.ServiceError(c, "Failed to read job result")
	}
}

// Watch handles GET /ws/jobs/:id. The current status is sent on connect and
// the final one afterwards, then the socket is closed.
func (h *JobHandler) Watch(hub *ws.Hub) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		id := strings.TrimSpace(c.Params("id"))
		client, err := hub.Subscribe(id, func() (model.StatusResponse, error) {
			return h.service.Status(context.Background(), id)
		})
		if err != nil {
			h.log.Error().Err(err).Str("job_id", id).Msg("status lookup failed")
			return
		}
		hub.HandleConnection(c, client)
	})
}

// jobParams copies the form values; fiber reuses their memory once the
// handler returns, and jobs outlive the request.
func jobParams(req *model.SubmitRequest) model.JobParams {
	return model.JobParams{
		Command:     strings.Clone(req.Command),
		Lang:        strings.Clone(req.Lang),
		NumSpeakers: req.NumSpeakers,
	}
}

func readUploads(files []*multipart.FileHeader) ([]service.Upload, error) {
	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		data, err := readFile(fh)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		uploads = append(uploads, service.Upload{Filename: strings.Clone(fh.Filename), Data: data})
	}
	return uploads, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
