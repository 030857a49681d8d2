package jobstate

import (
	"fmt"
	"strings"
)

// Status is the coarse lifecycle state of a sub-job.
//
// NOTE: These values are persisted in job_status.csv and are part of the stable
// on-disk contract.
type Status string

const (
	StatusNeverSubmitted    Status = "NEVER_SUBMITTED"
	StatusPending           Status = "PENDING"
	StatusRunning           Status = "RUNNING"
	StatusCompleted         Status = "COMPLETED"
	StatusPartiallyComplete Status = "PARTIALLY_COMPLETE"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
	StatusDryRun            Status = "DRY-RUN"
)

// statusUnset is the zero value: a row whose status column is empty.
const statusUnset Status = ""

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{
	StatusNeverSubmitted,
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusPartiallyComplete,
	StatusFailed,
	StatusCancelled,
	StatusDryRun,
}

// transitions is the single source of truth for which status changes are legal.
// Self-transitions are always allowed and are not listed.
//
// Terminal states only move forward on late evidence (a success marker that
// appears after the job left the queue) or back to NEVER_SUBMITTED through an
// explicit reset, never directly to PENDING or RUNNING.
var transitions = map[Status][]Status{
	statusUnset:             {StatusNeverSubmitted, StatusPending, StatusDryRun, StatusFailed},
	StatusNeverSubmitted:    {StatusPending, StatusDryRun, StatusFailed},
	StatusPending:           {StatusRunning, StatusCompleted, StatusPartiallyComplete, StatusFailed, StatusCancelled},
	StatusRunning:           {StatusPending, StatusCompleted, StatusPartiallyComplete, StatusFailed, StatusCancelled},
	StatusFailed:            {StatusCompleted, StatusPartiallyComplete, StatusNeverSubmitted},
	StatusCancelled:         {StatusCompleted, StatusPartiallyComplete, StatusNeverSubmitted},
	StatusPartiallyComplete: {StatusCompleted},
	StatusCompleted:         {},
	StatusDryRun:            {StatusNeverSubmitted},
}

// ParseStatus converts the on-disk representation into a Status.
//
// An empty string yields the unset status. TIMEOUT, written by older versions
// that stored raw scheduler states, is read as FAILED.
func ParseStatus(s string) (Status, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch v {
	case "":
		return statusUnset, nil
	case "TIMEOUT":
		return StatusFailed, nil
	case "DRY_RUN":
		return StatusDryRun, nil
	}
	for _, st := range AllStatuses {
		if string(st) == v {
			return st, nil
		}
	}
	return statusUnset, fmt.Errorf("unknown status %q", s)
}

// IsActive reports whether the sub-job is believed to be in the scheduler queue.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// IsTerminal reports whether the sub-job has left the scheduler for good.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Attempted reports whether the row records a submission attempt.
func (s Status) Attempted() bool {
	return s != statusUnset && s != StatusNeverSubmitted
}

// IsSet reports whether the status column held a value.
func (s Status) IsSet() bool {
	return s != statusUnset
}

// Stage is the workflow_stage text used for statuses without finer detail.
func (s Status) Stage() string {
	return strings.ToLower(string(s))
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
