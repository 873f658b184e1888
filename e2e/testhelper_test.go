package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/talkbank/ba2-server/internal/client"
	"github.com/talkbank/ba2-server/internal/config"
	"github.com/talkbank/ba2-server/internal/handler"
	"github.com/talkbank/ba2-server/internal/metrics"
	"github.com/talkbank/ba2-server/internal/service"
	"github.com/talkbank/ba2-server/internal/store"
	ws "github.com/talkbank/ba2-server/internal/websocket"
	"github.com/talkbank/ba2-server/internal/worker"
)

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	store *store.Store
	reg   *prometheus.Registry
}

type appOptions struct {
	pipeline client.Pipeline
	wait     time.Duration
}

// gatedPipeline holds every job until release is closed or the job is
// cancelled.
type gatedPipeline struct {
	release chan struct{}
}

func newGatedPipeline() *gatedPipeline {
	return &gatedPipeline{release: make(chan struct{})}
}

func (p *gatedPipeline) Name() string { return "gated" }

func (p *gatedPipeline) Process(ctx context.Context, in client.Input) client.Result {
	select {
	case <-p.release:
		return client.Ok([]byte("@Begin\n@End\n"))
	case <-ctx.Done():
		return client.Errf("interrupted: %v", ctx.Err())
	}
}

// setupApp creates a Fiber app identical to main.go with an in-memory store,
// the local scheduler and the mock pipeline.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	return setupAppWith(t, appOptions{})
}

func setupAppWith(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	if opts.pipeline == nil {
		opts.pipeline = client.NewMockPipeline(0)
	}
	if opts.wait == 0 {
		opts.wait = 5 * time.Second
	}

	log := zerolog.Nop()
	st := store.New(afero.NewMemMapFs())
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	exec := worker.NewExecutor(st, opts.pipeline, hub, m, log, config.ExecutorConfig{Backend: config.BackendLocal})
	scheduler := worker.NewLocalScheduler(exec, 0, log)
	t.Cleanup(func() {
		if g, ok := opts.pipeline.(*gatedPipeline); ok {
			select {
			case <-g.release:
			default:
				close(g.release)
			}
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = scheduler.Shutdown(shutdownCtx)
		cancel()
	})

	validate := validator.New()
	jobService := service.NewJobService(st, scheduler, m, log)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})
	handler.Register(app, handler.Routes{
		Jobs:    handler.NewJobHandler(jobService, validate, log),
		Pages:   handler.NewPageHandler(jobService, validate, opts.wait, log),
		Health:  handler.NewHealthHandler(st, nil, nil, config.BackendLocal, config.PipelineMock),
		Hub:     hub,
		Metrics: adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	})

	return &testApp{app: app, store: st, reg: reg}
}

// upload is one file part of a multipart request.
type upload struct {
	name string
	data string
}

// createMultipartRequest builds a multipart/form-data request carrying the
// given fields and files under fileField.
func createMultipartRequest(t *testing.T, path string, fields map[string]string, fileField string, files ...upload) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	for _, f := range files {
		partHeader := make(textproto.MIMEHeader)
		partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, f.name))
		partHeader.Set("Content-Type", "application/octet-stream")
		part, err := writer.CreatePart(partHeader)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		_, _ = part.Write([]byte(f.data))
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, path, &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// submit posts files to /api and returns the assigned ids.
func submit(t *testing.T, ta *testApp, fields map[string]string, files ...upload) []string {
	t.Helper()

	resp, err := ta.app.Test(createMultipartRequest(t, "/api", fields, "input", files...), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	var result struct {
		Payload []string `json:"payload"`
		Status  string   `json:"status"`
		Key     string   `json:"key"`
	}
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	if result.Status != "ok" || result.Key != "submitted" {
		t.Fatalf("unexpected submit response: %s", body)
	}
	if len(result.Payload) != len(files) {
		t.Fatalf("expected %d ids, got %d", len(files), len(result.Payload))
	}
	return result.Payload
}

// waitForStatus polls /api/:id until the status key is no longer processing.
func waitForStatus(t *testing.T, ta *testApp, id string) map[string]interface{} {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := doRequest(ta.app, http.MethodGet, "/api/"+id, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		result := parseJSON(t, resp)
		if result["key"] != "processing" {
			return result
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still processing", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	result := parseJSON(t, resp)
	e, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", result)
	}
	code, _ := e["code"].(string)
	return code
}
