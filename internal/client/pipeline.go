package client

import (
	"context"
	"fmt"

	"github.com/talkbank/ba2-server/internal/config"
)

// Input is everything the pipeline sees of a job.
type Input struct {
	JobID       string
	Name        string
	Source      string // uploaded filename, may be empty
	Data        []byte
	Command     string
	Lang        string
	NumSpeakers int // 0 lets the pipeline decide
}

// Result is either Ok(output) or Err(description). Construct it with Ok or Err.
type Result struct {
	output  []byte
	message string
	failed  bool
}

func Ok(output []byte) Result {
	return Result{output: output}
}

func Err(description string) Result {
	return Result{message: description, failed: true}
}

// Errf builds an Err result from a format string.
func Errf(format string, args ...interface{}) Result {
	return Err(fmt.Sprintf(format, args...))
}

func (r Result) Failed() bool { return r.failed }

// Output returns the produced bytes of an Ok result.
func (r Result) Output() []byte { return r.output }

// Message returns the failure description of an Err result.
func (r Result) Message() string { return r.message }

// Pipeline is the transcription/diarization backend. Implementations report
// every fault through the returned Result instead of an error value.
type Pipeline interface {
	Process(ctx context.Context, in Input) Result
	Name() string
}

// New picks the pipeline implementation for the configured mode.
func New(cfg *config.PipelineConfig) (Pipeline, error) {
	switch cfg.Mode {
	case config.PipelineHTTP:
		p := NewHTTPPipeline(cfg)
		if !p.IsConfigured() {
			return nil, fmt.Errorf("pipeline.url is required in http mode")
		}
		return p, nil
	case config.PipelineCommand:
		if cfg.Binary == "" {
			return nil, fmt.Errorf("pipeline.binary is required in command mode")
		}
		return NewCommandPipeline(cfg), nil
	case config.PipelineMock, "":
		return NewMockPipeline(cfg.MockDelay), nil
	default:
		return nil, fmt.Errorf("unknown pipeline mode %q", cfg.Mode)
	}
}
