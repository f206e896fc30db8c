// Package backends implements the transfer capability contracts and their
// concrete variants: torrent, direct-HTTP, extractor, and drive-clone
// downloads; chat-chunked, drive, and remote-sync uploads.
//
// Each variant owns its underlying connection or subprocess exclusively
// while active. Callers drive transfers only through the [Transfer]
// contract; transfer internals are never exposed.
package backends

import (
	"context"
	"fmt"

	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// Transfer is a running download or upload.
type Transfer interface {
	// Status returns the latest progress snapshot. It never blocks on
	// transfer I/O and is safe to call concurrently with the transfer.
	Status() models.Progress

	// Cancel requests cooperative teardown. It is idempotent and safe to
	// call after the transfer has already finished naturally.
	Cancel()

	// Wait blocks until the transfer has fully torn down, then returns its
	// terminal error. A cancelled transfer returns an error wrapping
	// [shared.ErrCancelled]. After Wait returns, no subprocess or partial
	// write remains unaccounted for.
	Wait() error

	// Path returns the local file backing this transfer: the output file
	// for a download, the source file for an upload. May be empty until
	// the backend has decided on a name.
	Path() string
}

// Pauser is the optional pause capability. Variants that cannot suspend a
// transfer simply do not implement it.
type Pauser interface {
	Pause() error
	Resume() error
}

// Downloader starts downloads for one backend kind.
type Downloader interface {
	Kind() models.BackendKind
	Start(ctx context.Context, task *models.Task) (Transfer, error)
}

// Uploader starts uploads for one destination kind. path is the local file
// produced by the download phase.
type Uploader interface {
	Kind() models.DestKind
	Start(ctx context.Context, task *models.Task, path string) (Transfer, error)
}

// Pause suspends a transfer when its variant supports it, otherwise fails
// with [shared.ErrUnsupported] so the caller can fall back to
// cancel-and-requeue.
func Pause(t Transfer) error {
	p, ok := t.(Pauser)
	if !ok {
		return fmt.Errorf("%w: pause", shared.ErrUnsupported)
	}
	return p.Pause()
}

// Resume resumes a paused transfer.
func Resume(t Transfer) error {
	p, ok := t.(Pauser)
	if !ok {
		return fmt.Errorf("%w: resume", shared.ErrUnsupported)
	}
	return p.Resume()
}
