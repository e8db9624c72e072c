package receipt

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a VideoJob
type Status string

const (
	StatusQueued           Status = "queued"
	StatusSampling         Status = "sampling"
	StatusProcessingFrames Status = "processing_frames"
	StatusClustering       Status = "clustering"
	StatusJournalizing     Status = "journalizing"
	StatusDone             Status = "done"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// ErrInvalidTransition is returned when a status change is not allowed by the job state machine
var ErrInvalidTransition = errors.New("invalid status transition")

var allStatuses = []Status{
	StatusQueued,
	StatusSampling,
	StatusProcessingFrames,
	StatusClustering,
	StatusJournalizing,
	StatusDone,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	m := make(map[Status]struct{}, len(allStatuses))
	for _, s := range allStatuses {
		m[s] = struct{}{}
	}
	return m
}()

// forward lists the single successor of each working state
var forward = map[Status]Status{
	StatusQueued:           StatusSampling,
	StatusSampling:         StatusProcessingFrames,
	StatusProcessingFrames: StatusClustering,
	StatusClustering:       StatusJournalizing,
	StatusJournalizing:     StatusDone,
}

// ParseStatus converts a string into a Status
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	_, ok := statusSet[s]
	return s, ok
}

// AllStatuses returns every known status in lifecycle order
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// IsTerminal reports whether no worker will move the job further
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the state machine allows moving from s to next.
// Any job may go back to queued, which is how re-runs and recovery start.
func (s Status) CanTransition(next Status) bool {
	if next == StatusQueued {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	return forward[s] == next
}

// Transition moves the job to next. Callers own UpdatedAt.
func (j *VideoJob) Transition(next Status) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	if next == StatusQueued {
		j.Error = ""
	}
	return nil
}

// SetFailed marks the job failed with a diagnostic message
func (j *VideoJob) SetFailed(message string) error {
	if err := j.Transition(StatusFailed); err != nil {
		return err
	}
	j.Error = strings.TrimSpace(message)
	return nil
}
