package handler

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/talkbank/ba2-server/internal/model"
	"github.com/talkbank/ba2-server/internal/service"
)

const (
	defaultCommand = "transcribe"
	defaultLang    = "eng"
	appTitle       = "TalkBank | Batchalign2"
)

var pages = template.Must(template.New("pages").Parse(`
{{define "form"}}<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head><body>
<h1>Batchalign2 Transcription</h1>
<form action="/transcribe" enctype="multipart/form-data" method="post">
  <label for="file">Upload audio/video file (.wav, .mp3, .mp4):</label><br>
  <input type="file" id="file" name="file" accept=".wav,.mp3,.mp4,.cha" required><br><br>
  <label for="command">Command:</label>
  <input type="text" id="command" name="command" value="{{.Command}}" required><br><br>
  <label for="lang">Language:</label>
  <input type="text" id="lang" name="lang" value="{{.Lang}}" required><br><br>
  <label for="num_speakers">Number of speakers:</label>
  <input type="number" id="num_speakers" name="num_speakers" min="1" max="10" value="1" required><br><br>
  <button type="submit">Transcribe</button>
</form>
</body></html>
{{end}}
{{define "done"}}<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head><body>
<h2>Transcription complete!</h2>
<a href="/download/{{.ID}}" download>Download .cha file</a>
<h3>Transcribed .cha file:</h3>
<pre style="background:#f4f4f4; border:1px solid #ccc; padding:1em; overflow-x:auto;">{{.Output}}</pre>
</body></html>
{{end}}
{{define "failed"}}<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head><body>
<h2>Transcription failed</h2>
<pre>{{.Message}}</pre>
<a href="/">Try again</a>
</body></html>
{{end}}
{{define "pending"}}<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head><body>
<h2>Transcription is still running</h2>
<p>Job <tt>{{.ID}}</tt> has not finished yet. Check <a href="/api/{{.ID}}">its status</a>
and download it from <a href="/download/{{.ID}}">here</a> once it is done.</p>
</body></html>
{{end}}
`))

type pageData struct {
	Title   string
	ID      string
	Command string
	Lang    string
	Output  string
	Message string
}

// PageHandler serves the browser upload flow.
type PageHandler struct {
	service   *service.JobService
	validator *validator.Validate
	wait      time.Duration
	log       zerolog.Logger
}

func NewPageHandler(svc *service.JobService, v *validator.Validate, wait time.Duration, log zerolog.Logger) *PageHandler {
	return &PageHandler{
		service:   svc,
		validator: v,
		wait:      wait,
		log:       log.With().Str("component", "page_handler").Logger(),
	}
}

// Index handles GET /
func (h *PageHandler) Index(c *fiber.Ctx) error {
	return h.render(c, fiber.StatusOK, "form", pageData{Command: defaultCommand, Lang: defaultLang})
}

// Transcribe handles POST /transcribe: it submits one job and waits for it,
// up to the configured limit, before rendering the result.
func (h *PageHandler) Transcribe(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return h.render(c, fiber.StatusBadRequest, "failed", pageData{Message: "Invalid form data."})
	}
	if req.Command == "" {
		req.Command = defaultCommand
	}
	if req.Lang == "" {
		req.Lang = defaultLang
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.render(c, fiber.StatusBadRequest, "failed", pageData{Message: validationMessage(err)})
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return h.render(c, fiber.StatusBadRequest, "failed", pageData{Message: "Please choose a file to upload."})
	}
	data, err := readFile(fh)
	if err != nil {
		return h.render(c, fiber.StatusInternalServerError, "failed", pageData{Message: "Failed to read the uploaded file."})
	}

	ids, err := h.service.Submit(c.UserContext(), []service.Upload{{Filename: strings.Clone(fh.Filename), Data: data}}, jobParams(&req))
	if err != nil {
		h.log.Error().Err(err).Msg("transcribe submit failed")
		return h.render(c, fiber.StatusInternalServerError, "failed", pageData{Message: "Failed to save the job."})
	}
	id := ids[0]

	ctx, cancel := context.WithTimeout(c.UserContext(), h.wait)
	defer cancel()
	res, err := h.service.Wait(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return h.render(c, fiber.StatusAccepted, "pending", pageData{ID: id})
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("transcribe wait failed")
		return h.render(c, fiber.StatusInternalServerError, "failed", pageData{ID: id, Message: "Failed to read the job status."})
	}

	if res.State == model.JobStateErrored {
		return h.render(c, fiber.StatusBadRequest, "failed", pageData{ID: id, Message: res.Failure})
	}

	_, out, err := h.service.Result(c.UserContext(), id)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("transcribe result failed")
		return h.render(c, fiber.StatusInternalServerError, "failed", pageData{ID: id, Message: "Failed to read the transcript."})
	}
	return h.render(c, fiber.StatusOK, "done", pageData{ID: id, Output: string(out)})
}

// Banner handles GET /api
func (h *PageHandler) Banner(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":    appTitle,
		"message": "The JSON API welcomes you. If you see this, the BA2 API is correctly set up.",
		"routes": fiber.Map{
			"submit": "POST /api",
			"status": "GET /api/:id",
			"result": "GET /api/get/:id.cha",
			"watch":  "GET /ws/jobs/:id",
		},
	})
}

func (h *PageHandler) render(c *fiber.Ctx, status int, name string, data pageData) error {
	data.Title = appTitle
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	c.Type("html", "utf-8")
	return c.Status(status).Send(buf.Bytes())
}

func validationMessage(err error) string {
	fields, ok := formatValidationErrors(err).(map[string]string)
	if !ok || len(fields) == 0 {
		return "Invalid form data."
	}
	parts := make([]string, 0, len(fields))
	for field, tag := range fields {
		parts = append(parts, field+": "+tag)
	}
	return "Invalid form data (" + strings.Join(parts, ", ") + ")."
}
