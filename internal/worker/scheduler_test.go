package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/talkbank/ba2-server/internal/client"
	"github.com/talkbank/ba2-server/internal/config"
	"github.com/talkbank/ba2-server/internal/store"
)

func TestScheduleReturnsBeforeJobRuns(t *testing.T) {
	f := newFixture()
	release := make(chan struct{})
	exec := f.executor(funcPipeline(func(ctx context.Context, in client.Input) client.Result {
		<-release
		return client.Ok([]byte("done"))
	}), config.ExecutorConfig{})
	s := NewLocalScheduler(exec, 0, zerolog.New(io.Discard))

	id := f.create(t, "x", "x")
	if err := s.Schedule(context.Background(), id, "transcribe", "eng"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if f.store.HasOutput(id) || f.store.HasFailure(id) {
		t.Fatal("job must still be pending while the pipeline runs")
	}

	close(release)
	s.Wait()
	if !f.store.HasOutput(id) {
		t.Error("expected output after pipeline finished")
	}
}

func TestLocalSchedulerMixedOutcomes(t *testing.T) {
	f := newFixture()
	exec := f.executor(funcPipeline(func(ctx context.Context, in client.Input) client.Result {
		time.Sleep(time.Millisecond)
		switch in.Name {
		case "fail":
			return client.Err("boom")
		case "panic":
			panic("boom")
		default:
			return client.Ok(in.Data)
		}
	}), config.ExecutorConfig{})
	s := NewLocalScheduler(exec, 0, zerolog.New(io.Discard))

	names := []string{"ok", "fail", "panic"}
	ids := make(map[string]string)
	for i := 0; i < 60; i++ {
		name := names[i%len(names)]
		id := f.create(t, "data", name)
		ids[id] = name
		if err := s.Schedule(context.Background(), id, "transcribe", "eng"); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	s.Wait()

	for id, name := range ids {
		f.assertTerminal(t, id)
		if wantOutput := name == "ok"; f.store.HasOutput(id) != wantOutput {
			t.Errorf("job %s (%s): output=%v", id, name, f.store.HasOutput(id))
		}
	}
}

func TestLocalSchedulerBound(t *testing.T) {
	f := newFixture()
	var running, peak int32
	exec := f.executor(funcPipeline(func(ctx context.Context, in client.Input) client.Result {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return client.Ok(nil)
	}), config.ExecutorConfig{})
	s := NewLocalScheduler(exec, 2, zerolog.New(io.Discard))

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := s.Schedule(context.Background(), f.create(t, "x", "x"), "transcribe", "eng"); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if time.Since(start) > time.Second {
		t.Error("Schedule blocked on the concurrency bound")
	}
	s.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds bound 2", peak)
	}
}

func TestShutdownRejectsNewJobs(t *testing.T) {
	f := newFixture()
	s := NewLocalScheduler(f.executor(client.NewMockPipeline(0), config.ExecutorConfig{}), 0, zerolog.New(io.Discard))

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	id := f.create(t, "x", "x")
	err := s.Schedule(context.Background(), id, "transcribe", "eng")
	if !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("expected ErrSchedulerClosed, got %v", err)
	}
	if text, _ := f.store.ReadFailure(context.Background(), id); !strings.Contains(text, "shutting down") {
		t.Errorf("rejected job must be errored, got %q", text)
	}
}

func TestShutdownDeadlineInterruptsJobs(t *testing.T) {
	f := newFixture()
	exec := f.executor(client.NewMockPipeline(time.Hour), config.ExecutorConfig{})
	s := NewLocalScheduler(exec, 0, zerolog.New(io.Discard))

	id := f.create(t, "x", "x")
	if err := s.Schedule(context.Background(), id, "transcribe", "eng"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	text, err := f.store.ReadFailure(context.Background(), id)
	if err != nil || !strings.Contains(text, "interrupted") {
		t.Errorf("ReadFailure = %q, %v", text, err)
	}
}

func TestLocalSchedulerLogsUnrecordedOutcome(t *testing.T) {
	f := newFixture()
	id := f.create(t, "x", "x")

	var buf bytes.Buffer
	roExec := NewExecutor(store.New(afero.NewReadOnlyFs(f.fs)), client.NewMockPipeline(0), f.notifier, f.metrics, zerolog.New(io.Discard), config.ExecutorConfig{})
	s := NewLocalScheduler(roExec, 0, zerolog.New(&buf))

	if err := s.Schedule(context.Background(), id, "transcribe", "eng"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Wait()

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "error" || entry["job_id"] != id {
		t.Errorf("unexpected log entry %v", entry)
	}
	if msg, _ := entry["message"].(string); !strings.Contains(msg, "without a recorded outcome") {
		t.Errorf("unexpected message %q", msg)
	}
}
