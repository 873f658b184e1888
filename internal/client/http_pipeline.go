package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/talkbank/ba2-server/internal/config"
)

const maxErrorBody = 2048

// HTTPPipeline forwards jobs to a pipeline microservice over HTTP.
//
//	POST {url}/process  multipart: input (file), command, lang, name, num_speakers
//	2xx -> body is the output document
type HTTPPipeline struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewHTTPPipeline creates a new pipeline service client
func NewHTTPPipeline(cfg *config.PipelineConfig) *HTTPPipeline {
	return &HTTPPipeline{
		// Timeout 0 leaves the deadline to the job context.
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
	}
}

func (c *HTTPPipeline) Name() string { return "http" }

// Process uploads the job input and returns the service response body.
func (c *HTTPPipeline) Process(ctx context.Context, in Input) Result {
	body, contentType, err := encodeForm(in)
	if err != nil {
		return Errf("failed to encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", body)
	if err != nil {
		return Errf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Errf("pipeline request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Errf("failed to read pipeline response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Errf("pipeline service error (status %d): %s", resp.StatusCode, truncate(string(respBody), maxErrorBody))
	}

	return Ok(respBody)
}

// HealthCheck checks if the pipeline service is available
func (c *HTTPPipeline) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *HTTPPipeline) IsConfigured() bool {
	return c.baseURL != ""
}

func encodeForm(in Input) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"command": in.Command,
		"lang":    in.Lang,
		"name":    in.Name,
		"job_id":  in.JobID,
	}
	if in.NumSpeakers > 0 {
		fields["num_speakers"] = strconv.Itoa(in.NumSpeakers)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	filename := in.Source
	if filename == "" {
		filename = in.Name + ".cha"
	}
	part, err := w.CreateFormFile("input", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(in.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
