package model

import "time"

// JobState is a job's lifecycle state as derived from its directory.
type JobState string

const (
	JobStateNotFound JobState = "not_found"
	JobStatePending  JobState = "pending"
	JobStateDone     JobState = "done"
	JobStateErrored  JobState = "errored"
)

// Terminal reports whether the job will never change state again.
func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateErrored
}

// JobParams are the processing parameters persisted next to the input.
type JobParams struct {
	Command     string    `json:"command"`
	Lang        string    `json:"lang"`
	Source      string    `json:"source"` // uploaded filename
	NumSpeakers int       `json:"num_speakers,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Status keys returned by GET /api/:id
const (
	StatusKeyNotFound   = "not_found"
	StatusKeyProcessing = "processing"
	StatusKeyDone       = "done"
	StatusKeyJobError   = "job_error"
	StatusKeySubmitted  = "submitted"
)

// Status values returned by GET /api/:id
const (
	StatusError   = "error"
	StatusPending = "pending"
	StatusDone    = "done"
	StatusOK      = "ok"
)

// SubmitRequest holds the non-file form fields of POST /api
type SubmitRequest struct {
	Command     string `form:"command" validate:"required,max=64,excludesall=/\\"`
	Lang        string `form:"lang" validate:"required,max=16,alphanum"`
	NumSpeakers int    `form:"num_speakers" validate:"omitempty,min=1,max=10"`
}

// SubmitResponse is returned after all uploaded files have been accepted
type SubmitResponse struct {
	Payload []string `json:"payload"`
	Status  string   `json:"status"`
	Key     string   `json:"key"`
}

// StatusResponse mirrors the job status contract
type StatusResponse struct {
	Key     string `json:"key"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
}

// Final reports whether no further status will follow this one.
func (s StatusResponse) Final() bool {
	return s.Key != StatusKeyProcessing
}

// Status messages returned by GET /api/:id
const (
	MessageNotFound   = "The requested job is not found."
	MessageProcessing = "The requested job is still processing."
	MessageDone       = "The requested job is done."
)

// StatusFor maps a resolved job state to the wire response. For errored jobs
// the failure text becomes the message.
func StatusFor(state JobState, name, failure string) StatusResponse {
	switch state {
	case JobStateErrored:
		return StatusResponse{Key: StatusKeyJobError, Status: StatusError, Message: failure, Name: name}
	case JobStateDone:
		return StatusResponse{Key: StatusKeyDone, Status: StatusDone, Message: MessageDone, Name: name}
	case JobStatePending:
		return StatusResponse{Key: StatusKeyProcessing, Status: StatusPending, Message: MessageProcessing, Name: name}
	default:
		return StatusResponse{Key: StatusKeyNotFound, Status: StatusError, Message: MessageNotFound}
	}
}
