// Package genjob drives asynchronous code-generation jobs on the
// language-model service.
package genjob

import "context"

// Status is the lifecycle state of a generation job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the job will make no further progress.
func (s Status) Terminal() bool {
	return s != StatusQueued && s != StatusInProgress
}

// ReferenceFile is one synced repository file handed to the job as context.
type ReferenceFile struct {
	URI        string
	ExternalID string
}

// Service submits generation requests and exposes their polled state.
type Service interface {
	Submit(ctx context.Context, requirements []string, files []ReferenceFile) (jobID string, err error)
	PollStatus(ctx context.Context, jobID string) (Status, error)
	FetchResult(ctx context.Context, jobID string) (string, error)
}
