package models

import "time"

// JobName identifies one of the scheduled warehouse jobs.
type JobName string

const (
	JobRefreshViews       JobName = "refresh-views"
	JobGenerateStatistics JobName = "generate-statistics"
	JobWarmCache          JobName = "warm-cache"
)

// JobState captures the lifecycle of a scheduled job run.
type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// JobRun records the outcome of one scheduled (or manually triggered) run.
type JobRun struct {
	ID         string        `json:"id"`
	Job        JobName       `json:"job"`
	State      JobState      `json:"state"`
	Trigger    string        `json:"trigger"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	RowCount   int64         `json:"row_count"`
	Failures   int           `json:"failures"`
	Error      string        `json:"error,omitempty"`
}

// JobStatus is the current state plus recent history for a job.
type JobStatus struct {
	Job      JobName  `json:"job"`
	State    JobState `json:"state"`
	Schedule string   `json:"schedule"`
	LastRun  *JobRun  `json:"last_run,omitempty"`
	History  []JobRun `json:"history"`
}
