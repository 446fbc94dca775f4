package interpreter

import (
	"time"

	"github.com/xkilldash9x/rpa-flow/internal/blockdetect"
)

// Status is the lifecycle state of a flow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusBlocked, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// ErrorKind classifies why a run did not succeed.
type ErrorKind string

const (
	// KindSelectorTimeout: a required element never appeared. Retryable with backoff.
	KindSelectorTimeout ErrorKind = "selector_timeout"
	// KindPostconditionNotMet: all steps ran but a success indicator failed.
	KindPostconditionNotMet ErrorKind = "postcondition_not_met"
	// KindBlocked: the page was classified as an anti-bot or access-denied page.
	KindBlocked ErrorKind = "blocked"
	// KindOTPTimeout: the one-time code never arrived.
	KindOTPTimeout ErrorKind = "otp_timeout"
	// KindEngineUnrecognized: the configured engine does not exist. Not retryable.
	KindEngineUnrecognized ErrorKind = "engine_unrecognized"
	// KindExtractionError: session state could not be read. Never fails a run.
	KindExtractionError ErrorKind = "extraction_error"
	// KindStepError: an action failed after its element was found.
	KindStepError ErrorKind = "step_error"
	// KindInvalidFlow: the flow definition failed validation.
	KindInvalidFlow ErrorKind = "invalid_flow"
)

// Outcome is the structured result of a run. Callers never receive a raw error.
type Outcome struct {
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	// FailedStep is the id of the step the run stopped at, if any.
	FailedStep     string            `json:"failed_step,omitempty"`
	StepsCompleted int               `json:"steps_completed"`
	Block          *blockdetect.Info `json:"block,omitempty"`
	// BlockID is the stored block record, zero when it was not persisted.
	BlockID      int64     `json:"block_id,omitempty"`
	FinalURL     string    `json:"final_url,omitempty"`
	SessionSaved bool      `json:"session_saved"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Duration is the wall time of the run.
func (o Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// Failed builds a terminal outcome for a run that could not start, such as
// one whose engine failed to launch.
func Failed(runID string, kind ErrorKind, msg string) Outcome {
	now := time.Now()
	return Outcome{
		RunID:      runID,
		Status:     StatusFailed,
		ErrorKind:  kind,
		Message:    msg,
		StartedAt:  now,
		FinishedAt: now,
	}
}
