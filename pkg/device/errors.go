package device

import (
	"errors"
	"fmt"

	"snapcam/pkg/types"
)

var (
	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrDeviceUnavailable = errors.New("camera unavailable")
	ErrNoActiveStream    = errors.New("no active stream")
	ErrDeviceTimeout     = errors.New("camera did not respond in time")
	ErrCaptureInProgress = errors.New("capture already in progress")

	// ErrStaleResult marks an acquisition that was superseded and released
	// instead of adopted. It never reaches callers.
	ErrStaleResult = errors.New("stale result discarded")
)

// Error records the operation and camera an error came from.
type Error struct {
	Op   string
	Mode types.FacingMode
	Err  error
}

func (e *Error) Error() string {
	if e.Mode == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s camera: %s", e.Op, e.Mode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(op string, mode types.FacingMode, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Op: op, Mode: mode, Err: err}
}
