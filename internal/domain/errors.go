package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound        = errors.New("run not found")
	ErrTaskRunNotFound    = errors.New("task run not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrUnknownToken is returned for tokens that were never issued, were
	// already resolved, or are currently claimed by another judge.
	ErrUnknownToken = errors.New("unknown judgement token")
)

// InvalidStateTransitionError reports a phase or lifecycle violation.
type InvalidStateTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
}

// SubmissionRejectedError is surfaced to the submitting client as-is.
type SubmissionRejectedError struct {
	Reason string
}

func (e SubmissionRejectedError) Error() string {
	return "submission rejected: " + e.Reason
}
