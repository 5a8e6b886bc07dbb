package worker

import (
	"fmt"
	"strconv"
)

// Status is the persisted lifecycle state of one worker. It is owned
// exclusively by that worker's runtime; the pool only reads it for
// scheduling decisions.
type Status int

const (
	StatusInitializing Status = iota
	StatusIdle
	StatusBusy
	StatusTerminating
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// ParseStatus decodes the integer status code persisted in the store.
func ParseStatus(s string) (Status, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < int(StatusInitializing) || n > int(StatusTerminating) {
		return 0, fmt.Errorf("invalid worker status %q", s)
	}
	return Status(n), nil
}

// StatusKey is worker:{id}:status, holding the integer status code.
func StatusKey(workerID string) string {
	return fmt.Sprintf("worker:%s:status", workerID)
}

// JobKey is worker:{id}:job, holding the claimed job id (empty = none).
func JobKey(workerID string) string {
	return fmt.Sprintf("worker:%s:job", workerID)
}
