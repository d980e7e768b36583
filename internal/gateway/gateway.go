package gateway

import (
	"context"
	"errors"
	"image"
	"time"
)

// Gateway exposes the host platform's screen-capture and synthetic-gesture
// capabilities. The click loop consumes this interface only; the concrete
// adapters in this package (ADB, desktop) own the platform details.
type Gateway interface {
	// IsReady reports whether both the capture and gesture capabilities
	// are currently available. Checked before every run start.
	IsReady() bool

	// ScreenBounds returns the coordinate space taps must fall within.
	ScreenBounds() (image.Rectangle, error)

	// CaptureFrame grabs the current screen contents. May fail
	// transiently (display state changed) or permanently (capability
	// revoked); the caller decides how to react.
	CaptureFrame(ctx context.Context) (*image.RGBA, error)

	// DispatchTap performs a synthetic tap at (x, y).
	DispatchTap(ctx context.Context, x, y int) error

	// DispatchLongPress performs a press held for the given duration.
	DispatchLongPress(ctx context.Context, x, y int, duration time.Duration) error
}

// ErrNotReady is returned by gateway operations invoked before the
// underlying capability was connected or after it was revoked.
var ErrNotReady = errors.New("gateway: capability not ready")
