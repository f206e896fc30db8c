// package repositories provides the persistence layer: terminal task history
// and synced cookie jars, both backed by SQLite.
//
// Live tasks never touch the database; the engine records a task exactly once
// when it reaches a terminal state.
package repositories

import (
	"errors"

	"github.com/desertthunder/mirrorbot/internal/shared"
)

// errorKindName maps a classification sentinel to its stored name.
func errorKindName(err error) string {
	switch {
	case errors.Is(err, shared.ErrTransient):
		return "transient"
	case errors.Is(err, shared.ErrAuth):
		return "auth"
	case errors.Is(err, shared.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, shared.ErrResolution):
		return "resolution"
	case errors.Is(err, shared.ErrCancelled):
		return "cancelled"
	case errors.Is(err, shared.ErrUnsupported):
		return "unsupported"
	default:
		return ""
	}
}

// errorKindFromName is the inverse of errorKindName. Unknown names map to
// nil; the stored message still carries the detail.
func errorKindFromName(name string) error {
	switch name {
	case "transient":
		return shared.ErrTransient
	case "auth":
		return shared.ErrAuth
	case "quota":
		return shared.ErrQuotaExceeded
	case "resolution":
		return shared.ErrResolution
	case "cancelled":
		return shared.ErrCancelled
	case "unsupported":
		return shared.ErrUnsupported
	default:
		return nil
	}
}
