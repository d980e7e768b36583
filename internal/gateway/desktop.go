package gateway

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/go-vgo/robotgo"
	"github.com/kbinani/screenshot"
)

// Desktop captures and clicks on a local monitor: screenshots via
// kbinani/screenshot, gestures via robotgo. Useful for driving emulator
// windows or desktop apps without an adb bridge.
type Desktop struct {
	displayIndex int
}

// NewDesktop creates a gateway for the given display (0 = primary).
func NewDesktop(displayIndex int) *Desktop {
	return &Desktop{displayIndex: displayIndex}
}

// IsReady reports whether the target display exists.
func (d *Desktop) IsReady() bool {
	return d.displayIndex >= 0 && d.displayIndex < screenshot.NumActiveDisplays()
}

// ScreenBounds returns the display bounds normalized to origin (0,0);
// taps are translated back to global coordinates on dispatch.
func (d *Desktop) ScreenBounds() (image.Rectangle, error) {
	if !d.IsReady() {
		return image.Rectangle{}, ErrNotReady
	}
	b := screenshot.GetDisplayBounds(d.displayIndex)
	return image.Rect(0, 0, b.Dx(), b.Dy()), nil
}

// CaptureFrame grabs the current contents of the display.
func (d *Desktop) CaptureFrame(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.IsReady() {
		return nil, ErrNotReady
	}

	bounds := screenshot.GetDisplayBounds(d.displayIndex)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to capture display %d: %w", d.displayIndex, err)
	}
	return img, nil
}

// DispatchTap moves the cursor and clicks.
func (d *Desktop) DispatchTap(ctx context.Context, x, y int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.IsReady() {
		return ErrNotReady
	}

	gx, gy := d.toGlobal(x, y)
	robotgo.MoveMouse(gx, gy)
	robotgo.Click("left")
	return nil
}

// DispatchLongPress holds the left button for the given duration. The
// hold is interruptible; the button is always released.
func (d *Desktop) DispatchLongPress(ctx context.Context, x, y int, duration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.IsReady() {
		return ErrNotReady
	}

	gx, gy := d.toGlobal(x, y)
	robotgo.MoveMouse(gx, gy)
	robotgo.Toggle("left")
	defer robotgo.Toggle("left", "up")

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toGlobal translates display-relative coordinates to the global desktop
// coordinate space robotgo expects.
func (d *Desktop) toGlobal(x, y int) (int, int) {
	b := screenshot.GetDisplayBounds(d.displayIndex)
	return b.Min.X + x, b.Min.Y + y
}

var _ Gateway = (*Desktop)(nil)
