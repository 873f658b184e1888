package client

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/talkbank/ba2-server/internal/config"
)

const stderrTail = 4096

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// CommandPipeline runs the batchalign CLI on a scratch directory:
//
//	<binary> <command> --lang=<lang> [--num_speakers=<n>] <in_dir> <out_dir>
type CommandPipeline struct {
	binary  string
	tempDir string
	timeout time.Duration // 0 leaves the deadline to the job context
	runner  commandRunner
}

func NewCommandPipeline(cfg *config.PipelineConfig) *CommandPipeline {
	return &CommandPipeline{
		binary:  cfg.Binary,
		timeout: cfg.Timeout,
		runner:  &execRunner{},
	}
}

func (p *CommandPipeline) Name() string { return "command" }

func (p *CommandPipeline) Process(ctx context.Context, in Input) Result {
	scratch, err := os.MkdirTemp(p.tempDir, "ba2-"+in.JobID+"-*")
	if err != nil {
		return Errf("failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(scratch)

	inDir := filepath.Join(scratch, "in")
	outDir := filepath.Join(scratch, "out")
	for _, d := range []string{inDir, outDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			return Errf("failed to create scratch dir: %v", err)
		}
	}

	if err := os.WriteFile(filepath.Join(inDir, inputFilename(in)), in.Data, 0o644); err != nil {
		return Errf("failed to stage input: %v", err)
	}

	args := []string{in.Command, "--lang=" + in.Lang}
	if in.NumSpeakers > 0 {
		args = append(args, "--num_speakers="+strconv.Itoa(in.NumSpeakers))
	}
	args = append(args, inDir, outDir)

	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	res, err := p.runner.Run(runCtx, p.binary, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Errf("%s %s interrupted: %v", p.binary, in.Command, ctxErr)
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Errf("%s %s timed out after %s", p.binary, in.Command, p.timeout)
		}
		return Errf("%s %s failed (exit %d): %s", p.binary, in.Command, res.ExitCode, tail(res.Stderr, stderrTail))
	}

	out, err := firstCHAT(outDir)
	if err != nil {
		return Errf("%s %s produced no output: %v", p.binary, in.Command, err)
	}
	return Ok(out)
}

// inputFilename keeps the uploaded extension so the CLI can tell media from
// transcripts.
func inputFilename(in Input) string {
	ext := strings.ToLower(filepath.Ext(in.Source))
	if ext == "" {
		ext = ".cha"
	}
	name := in.Name
	if name == "" {
		name = "input"
	}
	return filepath.Base(name) + ext
}

func firstCHAT(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".cha") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, os.ErrNotExist
	}
	sort.Strings(names)
	return os.ReadFile(filepath.Join(dir, names[0]))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
