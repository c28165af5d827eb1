package domain

import "time"

// JobStatus is the state of a long-running external job.
type JobStatus string

const (
	JobStatusSubmitted JobStatus = "SUBMITTED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// AsyncJob tracks one external job for the lifetime of a stage invocation.
type AsyncJob struct {
	ID           string
	Status       JobStatus
	OutputURI    string
	Attempts     int
	SubmittedAt  time.Time
	LastPolledAt time.Time
}
