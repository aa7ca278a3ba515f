package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Stage names one of the three pipeline entry points.
type Stage string

const (
	StageSyncAccount    Stage = "sync-account"
	StageProcessListing Stage = "process-listing"
	StageDispatchDigest Stage = "dispatch-digest"
)

// ParseStage converts a raw string into a Stage.
func ParseStage(s string) (Stage, error) {
	switch st := Stage(s); st {
	case StageSyncAccount, StageProcessListing, StageDispatchDigest:
		return st, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// JobState is the lifecycle position of one stage invocation.
//
//	pending ──► running ──► succeeded
//	              │  ▲
//	              ▼  │
//	       failed_retryable ──► failed_terminal
//
// failed_terminal is also reachable from pending and running.
// succeeded and failed_terminal are terminal.
type JobState string

const (
	JobPending         JobState = "pending"
	JobRunning         JobState = "running"
	JobSucceeded       JobState = "succeeded"
	JobFailedRetryable JobState = "failed_retryable"
	JobFailedTerminal  JobState = "failed_terminal"
)

var validTransitions = map[JobState][]JobState{
	JobPending:         {JobRunning, JobFailedTerminal},
	JobRunning:         {JobSucceeded, JobFailedRetryable, JobFailedTerminal},
	JobFailedRetryable: {JobRunning, JobFailedTerminal},
}

// ErrInvalidTransition is returned when a job is moved along an edge the state machine lacks.
var ErrInvalidTransition = errors.New("invalid job state transition")

// ParseJobState converts a raw string into a JobState.
func ParseJobState(s string) (JobState, error) {
	switch st := JobState(s); st {
	case JobPending, JobRunning, JobSucceeded, JobFailedRetryable, JobFailedTerminal:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// IsTransitionAllowed reports whether from → to is an edge of the state machine.
func IsTransitionAllowed(from, to JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailedTerminal
}

// Job tracks one stage invocation identified by its idempotency key.
type Job struct {
	Stage       Stage     `json:"stage" mapstructure:"stage"`
	Key         string    `json:"key" mapstructure:"key"`
	State       JobState  `json:"state" mapstructure:"state"`
	Attempt     int       `json:"attempt" mapstructure:"attempt"`
	MaxAttempts int       `json:"max_attempts" mapstructure:"max_attempts"`
	LastError   string    `json:"last_error,omitempty" mapstructure:"last_error"`
	CreatedAt   time.Time `json:"created_at" mapstructure:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" mapstructure:"updated_at"`
}

// NewJob returns a pending job.
func NewJob(stage Stage, key string, maxAttempts int, now time.Time) Job {
	return Job{
		Stage:       stage,
		Key:         key,
		State:       JobPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ID is the lock and storage key of the job.
func (j Job) ID() string {
	return JobID(j.Stage, j.Key)
}

// JobID joins a stage and idempotency key.
func JobID(stage Stage, key string) string {
	return string(stage) + ":" + key
}

// Transition moves the job to state to. Entering running counts an attempt.
func (j *Job) Transition(to JobState, now time.Time) error {
	if !IsTransitionAllowed(j.State, to) {
		return fmt.Errorf("%w: %s → %s (%s)", ErrInvalidTransition, j.State, to, j.ID())
	}
	if to == JobRunning {
		j.Attempt++
	}
	j.State = to
	j.UpdatedAt = now
	return nil
}
