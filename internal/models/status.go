package models

import "fmt"

// TaskState represents a task's position in its lifecycle.
type TaskState int

const (
	StateQueued TaskState = iota
	StateDownloading
	StatePaused
	StateUploading
	StateCompleted
	StateFailed
	StateCancelled
)

func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateUploading:
		return "uploading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final. Terminal tasks never
// transition again.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsActive reports whether a backend transfer is running in this state.
func (s TaskState) IsActive() bool {
	return s == StateDownloading || s == StateUploading
}

// transitions encodes the legal state graph. A task may only move along
// these edges; everything else is a programming error.
var transitions = map[TaskState][]TaskState{
	StateQueued:      {StateDownloading, StateCancelled},
	StateDownloading: {StateUploading, StateQueued, StatePaused, StateFailed, StateCancelled},
	StatePaused:      {StateDownloading, StateCancelled},
	StateUploading:   {StateCompleted, StateUploading, StateFailed, StateCancelled},
}

// CanTransition reports whether moving from one state to another is legal.
// Self-transitions are only legal for Uploading (upload retry in place).
func CanTransition(from, to TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState maps a state name back to its TaskState. The inverse of String.
func ParseState(s string) (TaskState, error) {
	for state := StateQueued; state <= StateCancelled; state++ {
		if state.String() == s {
			return state, nil
		}
	}
	return StateQueued, fmt.Errorf("unknown task state: %q", s)
}
