package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/talkbank/ba2-server/internal/store"
)

const (
	TaskTypeTranscribe = "transcribe:process"
	QueueTranscribe    = "transcribe"
)

// TaskPayload is the asynq payload. It only points at the job directory;
// the job's state never travels through Redis.
type TaskPayload struct {
	JobID   string `json:"jobId"`
	Command string `json:"command"`
	Lang    string `json:"lang"`
}

// NewTranscribeTask builds a single-attempt task for a job.
func NewTranscribeTask(id, command, lang string) (*asynq.Task, error) {
	payload, err := json.Marshal(TaskPayload{JobID: id, Command: command, Lang: lang})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(
		TaskTypeTranscribe,
		payload,
		asynq.MaxRetry(0),
		asynq.Queue(QueueTranscribe),
		asynq.TaskID(id),
	), nil
}

// Enqueuer is the part of asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqScheduler dispatches jobs through Redis to an asynq server, which may
// run in this process or another one sharing the work directory.
type AsynqScheduler struct {
	client Enqueuer
	exec   *Executor
	log    zerolog.Logger
}

func NewAsynqScheduler(client Enqueuer, exec *Executor, log zerolog.Logger) *AsynqScheduler {
	return &AsynqScheduler{
		client: client,
		exec:   exec,
		log:    log.With().Str("component", "asynq_scheduler").Logger(),
	}
}

// Schedule enqueues the job. A job that cannot be enqueued is recorded as
// failed so it does not stay pending forever.
func (s *AsynqScheduler) Schedule(ctx context.Context, id, command, lang string) error {
	task, err := NewTranscribeTask(id, command, lang)
	if err == nil {
		var info *asynq.TaskInfo
		info, err = s.client.EnqueueContext(ctx, task)
		if err == nil {
			s.log.Debug().Str("job_id", id).Str("task_id", info.ID).Str("queue", info.Queue).Msg("job enqueued")
			return nil
		}
	}

	s.log.Error().Err(err).Str("job_id", id).Msg("failed to enqueue job")
	_ = s.exec.Fail(ctx, id, fmt.Sprintf("failed to enqueue job: %v", err))
	return fmt.Errorf("failed to enqueue job: %w", err)
}

func (s *AsynqScheduler) Shutdown(ctx context.Context) error {
	return s.client.Close()
}

// ProcessTask is the asynq handler for TaskTypeTranscribe.
func (e *Executor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p TaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	err := e.Run(ctx, p.JobID, p.Command, p.Lang)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("job %s: %v: %w", p.JobID, err, asynq.SkipRetry)
	}
	return err
}
