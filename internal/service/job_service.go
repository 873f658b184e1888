package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkbank/ba2-server/internal/metrics"
	"github.com/talkbank/ba2-server/internal/model"
	"github.com/talkbank/ba2-server/internal/store"
	"github.com/talkbank/ba2-server/internal/worker"
)

var (
	ErrNotDone   = errors.New("job is still processing")
	ErrJobFailed = errors.New("job processing errored")
	ErrNoInput   = errors.New("at least one input file is required")
)

const defaultPollInterval = 250 * time.Millisecond

// Upload is one submitted file.
type Upload struct {
	Filename string
	Data     []byte
}

// JobService implements submit, status and result on top of the store, the
// scheduler and the resolver.
type JobService struct {
	store        *store.Store
	scheduler    worker.Scheduler
	resolver     *Resolver
	metrics      *metrics.Metrics
	log          zerolog.Logger
	pollInterval time.Duration
	now          func() time.Time
}

func NewJobService(st *store.Store, scheduler worker.Scheduler, m *metrics.Metrics, log zerolog.Logger) *JobService {
	if m == nil {
		m = metrics.NewNop()
	}
	return &JobService{
		store:        st,
		scheduler:    scheduler,
		resolver:     NewResolver(st),
		metrics:      m,
		log:          log.With().Str("component", "job_service").Logger(),
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

func (s *JobService) Resolver() *Resolver {
	return s.resolver
}

// Submit persists and schedules one job per upload, all sharing opts, and
// returns their ids in upload order. Processing happens after Submit returns. If an upload cannot
// be persisted, the ids accepted so far are returned with the error.
func (s *JobService) Submit(ctx context.Context, uploads []Upload, opts model.JobParams) ([]string, error) {
	if len(uploads) == 0 {
		return nil, ErrNoInput
	}

	ids := make([]string, 0, len(uploads))
	for _, u := range uploads {
		params := opts
		params.Source = baseName(u.Filename)
		params.CreatedAt = s.now().UTC()

		id, err := s.store.Create(ctx, u.Data, JobName(u.Filename), params)
		if err != nil {
			return ids, fmt.Errorf("failed to save job: %w", err)
		}
		s.metrics.JobsSubmittedTotal.Inc()

		if err := s.scheduler.Schedule(ctx, id, params.Command, params.Lang); err != nil {
			// The scheduler has already recorded the job as failed.
			s.log.Error().Err(err).Str("job_id", id).Msg("failed to schedule job")
		}

		s.log.Info().
			Str("job_id", id).
			Str("name", params.Source).
			Str("command", params.Command).
			Str("lang", params.Lang).
			Int("bytes", len(u.Data)).
			Msg("job submitted")
		ids = append(ids, id)
	}
	return ids, nil
}

// Status resolves a job for the status endpoint. Unknown or malformed ids are
// a not-found status, not an error.
func (s *JobService) Status(ctx context.Context, id string) (model.StatusResponse, error) {
	res, err := s.resolver.Resolve(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.StatusResponse{}, err
	}
	return res.Response(), nil
}

// Result returns the job name and output of a done job. Other states map to
// store.ErrNotFound, ErrJobFailed or ErrNotDone.
func (s *JobService) Result(ctx context.Context, id string) (string, []byte, error) {
	id = strings.TrimSpace(id)
	res, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return "", nil, err
	}

	switch res.State {
	case model.JobStateNotFound:
		return "", nil, store.ErrNotFound
	case model.JobStateErrored:
		return res.Name, nil, fmt.Errorf("%w: %s", ErrJobFailed, res.Failure)
	case model.JobStatePending:
		return res.Name, nil, ErrNotDone
	}

	out, err := s.store.ReadOutput(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return res.Name, out, nil
}

// Wait polls the job until it is terminal or ctx ends. On timeout the last
// resolution is returned together with the context error.
func (s *JobService) Wait(ctx context.Context, id string) (Resolution, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		res, err := s.resolver.Resolve(context.WithoutCancel(ctx), id)
		if err != nil {
			return res, err
		}
		if res.State != model.JobStatePending {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

// JobName is the label stored for an upload: its base name without the last
// extension. A leading dot starts the name, not an extension, so ".bashrc"
// keeps its name; a trailing dot is not an extension either.
func JobName(filename string) string {
	base := baseName(filename)
	i := strings.LastIndex(base, ".")
	if i <= 0 || i == len(base)-1 {
		return base
	}
	return base[:i]
}

// baseName strips client-side directories, including Windows ones.
func baseName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
