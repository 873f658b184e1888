package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkbank/ba2-server/internal/client"
	"github.com/talkbank/ba2-server/internal/config"
	"github.com/talkbank/ba2-server/internal/logger"
	"github.com/talkbank/ba2-server/internal/metrics"
	"github.com/talkbank/ba2-server/internal/model"
	"github.com/talkbank/ba2-server/internal/store"
)

// OrphanMessage is recorded for jobs found pending at startup.
const OrphanMessage = "interrupted: server restarted before the job finished"

// Notifier receives a job's terminal status. Implementations must not block.
type Notifier interface {
	BroadcastStatus(jobID string, status model.StatusResponse)
}

type nopNotifier struct{}

func (nopNotifier) BroadcastStatus(string, model.StatusResponse) {}

// Executor runs the pipeline for one job and records exactly one outcome. It
// is the only writer of output and failure records.
type Executor struct {
	store      *store.Store
	pipeline   client.Pipeline
	notifier   Notifier
	metrics    *metrics.Metrics
	log        zerolog.Logger
	jobTimeout time.Duration
}

func NewExecutor(
	st *store.Store,
	pipeline client.Pipeline,
	notifier Notifier,
	m *metrics.Metrics,
	log zerolog.Logger,
	cfg config.ExecutorConfig,
) *Executor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Executor{
		store:      st,
		pipeline:   pipeline,
		notifier:   notifier,
		metrics:    m,
		log:        log.With().Str("component", "executor").Str("pipeline", pipeline.Name()).Logger(),
		jobTimeout: cfg.JobTimeout,
	}
}

// Run processes job id. Jobs that are missing or already terminal are left
// alone. The returned error is non-nil only when the outcome could not be
// persisted; it concerns this job alone.
func (e *Executor) Run(ctx context.Context, id, command, lang string) error {
	log := logger.WithJobID(e.log, id)

	if !e.store.Exists(id) {
		log.Warn().Msg("job directory missing, nothing to run")
		return store.ErrNotFound
	}
	if e.store.HasOutput(id) || e.store.HasFailure(id) {
		log.Info().Msg("job already finalized, skipping")
		return nil
	}

	in, readErr := e.input(ctx, id, command, lang)

	var result client.Result
	if readErr != nil {
		result = client.Errf("failed to read input: %v", readErr)
	} else {
		result = e.process(ctx, in, log)
	}

	return e.finish(ctx, id, in.Name, result, log)
}

// Fail records a failure for a job that will never reach the pipeline.
func (e *Executor) Fail(ctx context.Context, id, reason string) error {
	log := logger.WithJobID(e.log, id)
	name, _ := e.store.ReadName(ctx, id)
	return e.finish(ctx, id, name, client.Err(reason), log)
}

func (e *Executor) input(ctx context.Context, id, command, lang string) (client.Input, error) {
	in := client.Input{JobID: id, Command: command, Lang: lang}

	name, err := e.store.ReadName(ctx, id)
	if err != nil {
		return in, err
	}
	in.Name = name

	if params, err := e.store.ReadParams(ctx, id); err == nil {
		in.Source = params.Source
		in.NumSpeakers = params.NumSpeakers
	}

	data, err := e.store.ReadInput(ctx, id)
	if err != nil {
		return in, err
	}
	in.Data = data
	return in, nil
}

// process calls the pipeline, turning a panic into a failure result.
func (e *Executor) process(ctx context.Context, in client.Input, log zerolog.Logger) (result client.Result) {
	if e.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.jobTimeout)
		defer cancel()
	}

	e.metrics.JobsRunning.Inc()
	start := time.Now()
	defer func() {
		e.metrics.JobsRunning.Dec()
		e.metrics.JobDuration.Observe(time.Since(start).Seconds())

		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("pipeline panicked")
			result = client.Errf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	log.Info().Str("command", in.Command).Str("lang", in.Lang).Msg("job started")
	result = e.pipeline.Process(ctx, in)
	if !result.Failed() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result = client.Errf("timed out after %s", e.jobTimeout)
	}
	return result
}

// finish persists the outcome. Writes use a context detached from
// cancellation so an interrupted job still records why it stopped.
func (e *Executor) finish(ctx context.Context, id, name string, result client.Result, log zerolog.Logger) error {
	wctx := context.WithoutCancel(ctx)

	var err error
	if result.Failed() {
		err = e.store.WriteFailure(wctx, id, result.Message())
	} else {
		err = e.store.WriteOutput(wctx, id, result.Output())
	}

	if errors.Is(err, store.ErrAlreadyFinalized) {
		log.Warn().Msg("job was finalized concurrently, outcome discarded")
		return nil
	}
	if err != nil {
		e.metrics.StoreFailuresTotal.Inc()
		log.Error().Err(err).Bool("failed", result.Failed()).Msg("failed to persist job outcome")
		return fmt.Errorf("persist outcome: %w", err)
	}

	if result.Failed() {
		e.metrics.JobsFailedTotal.Inc()
		log.Warn().Str("reason", firstLine(result.Message())).Msg("job failed")
		e.notifier.BroadcastStatus(id, model.StatusFor(model.JobStateErrored, name, strings.TrimSpace(result.Message())))
	} else {
		e.metrics.JobsCompletedTotal.Inc()
		log.Info().Int("bytes", len(result.Output())).Msg("job completed")
		e.notifier.BroadcastStatus(id, model.StatusFor(model.JobStateDone, name, ""))
	}
	return nil
}

// RecoverOrphans marks every pending job as errored. It must run before new
// jobs are accepted, since nothing can tell an orphan from a job that was
// just scheduled.
func (e *Executor) RecoverOrphans(ctx context.Context) (int, error) {
	ids, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if e.store.HasOutput(id) || e.store.HasFailure(id) {
			continue
		}
		if err := e.Fail(ctx, id, OrphanMessage); err != nil {
			continue
		}
		e.metrics.JobsRecoveredTotal.Inc()
		recovered++
	}

	if recovered > 0 {
		e.log.Warn().Int("count", recovered).Msg("recovered orphaned jobs")
	}
	return recovered, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
