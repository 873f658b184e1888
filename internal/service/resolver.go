package service

import (
	"context"

	"github.com/talkbank/ba2-server/internal/model"
	"github.com/talkbank/ba2-server/internal/store"
)

// Resolution is a job's state as read from its directory at one instant.
type Resolution struct {
	State   model.JobState
	Name    string
	Failure string // set when State is errored
}

// Response renders the resolution as the status endpoint's body.
func (r Resolution) Response() model.StatusResponse {
	return model.StatusFor(r.State, r.Name, r.Failure)
}

// Resolver derives job status from the store alone. It keeps nothing between
// calls, so any number of processes can resolve the same work directory.
type Resolver struct {
	store *store.Store
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve checks, in order: directory, failure record, output record. The
// failure record wins so that a job is never reported done and errored.
func (r *Resolver) Resolve(ctx context.Context, id string) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	if !r.store.Exists(id) {
		return Resolution{State: model.JobStateNotFound}, nil
	}

	name, err := r.store.ReadName(ctx, id)
	if err != nil {
		return Resolution{}, err
	}

	if r.store.HasFailure(id) {
		failure, err := r.store.ReadFailure(ctx, id)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{State: model.JobStateErrored, Name: name, Failure: failure}, nil
	}
	if r.store.HasOutput(id) {
		return Resolution{State: model.JobStateDone, Name: name}, nil
	}
	return Resolution{State: model.JobStatePending, Name: name}, nil
}
