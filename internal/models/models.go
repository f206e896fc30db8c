package models

import (
	"fmt"
	"time"
)

// BackendKind classifies the download mechanism for a source reference.
type BackendKind int

const (
	KindUnknown BackendKind = iota
	KindTorrent
	KindHTTP
	KindExtractor
	KindClone
)

func (k BackendKind) String() string {
	switch k {
	case KindTorrent:
		return "torrent"
	case KindHTTP:
		return "http"
	case KindExtractor:
		return "extractor"
	case KindClone:
		return "clone"
	default:
		return "unknown"
	}
}

// ParseBackendKind maps a kind name back to its BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	for kind := KindTorrent; kind <= KindClone; kind++ {
		if kind.String() == s {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown backend kind: %q", s)
}

// DestKind classifies the upload destination for a completed download.
type DestKind int

const (
	DestChat DestKind = iota // deliver directly to the requesting chat (leech)
	DestDrive                // upload to a cloud drive folder (mirror)
	DestRemote               // sync to a remote storage path
)

func (d DestKind) String() string {
	switch d {
	case DestChat:
		return "chat"
	case DestDrive:
		return "drive"
	case DestRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ParseDestKind maps a destination name back to its DestKind.
func ParseDestKind(s string) (DestKind, error) {
	for kind := DestChat; kind <= DestRemote; kind++ {
		if kind.String() == s {
			return kind, nil
		}
	}
	return DestChat, fmt.Errorf("unknown destination kind: %q", s)
}

// Source is a resolved input reference: the backend that will fetch it plus
// the raw string the user submitted.
type Source struct {
	Kind BackendKind
	Ref  string
}

// Destination describes where a downloaded item is delivered.
// Target is interpreted per kind: a chat identifier, a drive folder ID, or a
// remote storage path.
type Destination struct {
	Kind   DestKind
	Target string
}

// Progress is a point-in-time snapshot of a transfer. Total is zero while
// the total size is unknown. Mutated only by the owning backend while the
// task is active.
type Progress struct {
	Transferred int64
	Total       int64
	Rate        int64 // bytes per second
	ETA         time.Duration
	UpdatedAt   time.Time
}

// Percent returns completion as 0-100, or -1 while the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	pct := float64(p.Transferred) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// TaskError records the last failure for a task: its classification (one of
// the shared sentinel errors) and a human-readable message.
type TaskError struct {
	Kind    error
	Message string
}

func (e *TaskError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
	return e.Message
}

// Task is the unit of work: one submitted reference moving through the
// download/upload lifecycle. Fields are plain data; synchronization is owned
// by the engine registry.
type Task struct {
	ID          string
	Owner       string
	Name        string // display name, filled in once the backend knows it
	Source      Source
	Destination Destination
	State       TaskState
	Progress    Progress
	Attempt     int
	Err         *TaskError

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	CancelRequested bool
}

// DisplayName returns the task name when known, otherwise the raw reference.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Source.Ref
}

// Validate checks structural invariants at submission time.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task has no id")
	}
	if t.Owner == "" {
		return fmt.Errorf("task has no owner")
	}
	if t.Source.Kind == KindUnknown {
		return fmt.Errorf("task source is unresolved")
	}
	return nil
}
