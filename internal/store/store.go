// Package store keeps every job in its own directory and derives nothing
// from memory: a job's state is whatever files exist in that directory.
//
//	<work_dir>/<id>/in.cha       input bytes
//	<work_dir>/<id>/name         label shown to clients
//	<work_dir>/<id>/params.json  command, lang, submission time
//	<work_dir>/<id>/out.cha      output (done)
//	<work_dir>/<id>/error        failure text (errored)
//
// Records are written to a temp file, synced and renamed into place, so a
// reader sees either the whole record or nothing.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/talkbank/ba2-server/internal/model"
)

const (
	InputFile   = "in.cha"
	NameFile    = "name"
	ParamsFile  = "params.json"
	OutputFile  = "out.cha"
	FailureFile = "error"

	tmpPrefix     = ".tmp-"
	maxIDAttempts = 5
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrAlreadyFinalized = errors.New("job already finalized")
)

// Error is a persistence failure on one job's records.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store is the durable job directory abstraction.
type Store struct {
	fs    afero.Fs
	newID func() string
}

// New wraps an afero filesystem whose root is the work directory.
func New(fsys afero.Fs) *Store {
	return &Store{
		fs:    fsys,
		newID: func() string { return uuid.New().String() },
	}
}

// NewOS opens (creating if needed) a work directory on the local disk.
func NewOS(workDir string) (*Store, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), abs)), nil
}

// Create allocates a fresh id, creates its directory and persists the input,
// name and params. It does not schedule anything.
func (s *Store) Create(ctx context.Context, input []byte, name string, params model.JobParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id, err := s.allocate()
	if err != nil {
		return "", err
	}

	paramsBytes, err := json.Marshal(params)
	if err != nil {
		s.discard(id)
		return "", &Error{Op: "create", ID: id, Err: err}
	}

	records := []struct {
		file string
		data []byte
	}{
		{InputFile, input},
		{NameFile, []byte(name)},
		{ParamsFile, paramsBytes},
	}
	for _, r := range records {
		if err := s.writeAtomic(id, r.file, r.data); err != nil {
			s.discard(id)
			return "", &Error{Op: "create", ID: id, Err: err}
		}
	}

	return id, nil
}

// allocate creates an empty job directory under a new random id. Mkdir fails
// on an existing directory, so two allocations can never share an id.
func (s *Store) allocate() (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := s.newID()
		err := s.fs.Mkdir(id, 0o755)
		if err == nil {
			s.syncDir(".")
			return id, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", &Error{Op: "create", ID: id, Err: err}
		}
		lastErr = err
	}
	return "", &Error{Op: "create", ID: "", Err: fmt.Errorf("no free id after %d attempts: %w", maxIDAttempts, lastErr)}
}

func (s *Store) discard(id string) {
	_ = s.fs.RemoveAll(id)
}

// Exists reports whether id names a job directory.
func (s *Store) Exists(id string) bool {
	if !ValidID(id) {
		return false
	}
	info, err := s.fs.Stat(id)
	return err == nil && info.IsDir()
}

// HasOutput reports whether the job has an output record.
func (s *Store) HasOutput(id string) bool {
	return s.isFile(id, OutputFile)
}

// HasFailure reports whether the job has a failure record.
func (s *Store) HasFailure(id string) bool {
	return s.isFile(id, FailureFile)
}

func (s *Store) isFile(id, file string) bool {
	if !ValidID(id) {
		return false
	}
	info, err := s.fs.Stat(path.Join(id, file))
	return err == nil && info.Mode().IsRegular()
}

// ReadInput returns the bytes persisted at submission.
func (s *Store) ReadInput(ctx context.Context, id string) ([]byte, error) {
	return s.read(ctx, id, InputFile)
}

// ReadName returns the job label, or "" when it was never written.
func (s *Store) ReadName(ctx context.Context, id string) (string, error) {
	data, err := s.read(ctx, id, NameFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadParams returns the processing parameters stored with the job.
func (s *Store) ReadParams(ctx context.Context, id string) (model.JobParams, error) {
	var params model.JobParams
	data, err := s.read(ctx, id, ParamsFile)
	if err != nil {
		return params, err
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, &Error{Op: "read params", ID: id, Err: err}
	}
	return params, nil
}

// ReadOutput returns the output record of a done job.
func (s *Store) ReadOutput(ctx context.Context, id string) ([]byte, error) {
	return s.read(ctx, id, OutputFile)
}

// ReadFailure returns the failure text of an errored job.
func (s *Store) ReadFailure(ctx context.Context, id string) (string, error) {
	data, err := s.read(ctx, id, FailureFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// read returns ErrNotFound when the job does not exist and a wrapped
// fs.ErrNotExist when the job exists but the record does not.
func (s *Store) read(ctx context.Context, id, file string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Exists(id) {
		return nil, ErrNotFound
	}
	data, err := afero.ReadFile(s.fs, path.Join(id, file))
	if err != nil {
		return nil, &Error{Op: "read " + file, ID: id, Err: err}
	}
	return data, nil
}

// WriteOutput records a successful result. Only the executor calls it, once.
func (s *Store) WriteOutput(ctx context.Context, id string, output []byte) error {
	return s.finalize(ctx, id, OutputFile, output)
}

// WriteFailure records a failed result. Only the executor calls it, once.
func (s *Store) WriteFailure(ctx context.Context, id string, text string) error {
	return s.finalize(ctx, id, FailureFile, []byte(text))
}

func (s *Store) finalize(ctx context.Context, id, file string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Exists(id) {
		return ErrNotFound
	}
	if s.HasOutput(id) || s.HasFailure(id) {
		return &Error{Op: "write " + file, ID: id, Err: ErrAlreadyFinalized}
	}
	if err := s.writeAtomic(id, file, data); err != nil {
		return &Error{Op: "write " + file, ID: id, Err: err}
	}
	return nil
}

// List returns the ids of all job directories.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, ".")
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Writable checks that a file can be created in the work directory.
func (s *Store) Writable() error {
	f, err := afero.TempFile(s.fs, ".", tmpPrefix+"probe-")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return s.fs.Remove(name)
}

func (s *Store) writeAtomic(id, file string, data []byte) error {
	f, err := afero.TempFile(s.fs, id, tmpPrefix+file+"-")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, path.Join(id, file)); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	s.syncDir(id)
	return nil
}

// syncDir flushes a directory entry so a rename survives a crash. Filesystems
// that cannot sync directories are ignored.
func (s *Store) syncDir(dir string) {
	d, err := s.fs.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ValidID accepts only canonical lowercase uuids, which also keeps ids from
// escaping the work directory.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.String() == id
}
