package types

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a stored job.
type Status string

const (
	// StatusCreating is held only while a job's dependency edges are wired.
	StatusCreating   Status = "creating"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// PublicStatuses lists every status a caller may observe or request.
var PublicStatuses = []Status{
	StatusScheduled,
	StatusProcessing,
	StatusCompleted,
	StatusError,
}

func (s Status) String() string {
	return string(s)
}

func (s Status) IsPublic() bool {
	switch s {
	case StatusScheduled, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if status == StatusCreating || status.IsPublic() {
		return status, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// StoreStats holds the number of records per status queue.
type StoreStats struct {
	Ready      int `json:"ready"`
	Blocked    int `json:"blocked"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Errored    int `json:"errored"`
}

func (s StoreStats) Total() int {
	return s.Ready + s.Blocked + s.Processing + s.Completed + s.Errored
}
