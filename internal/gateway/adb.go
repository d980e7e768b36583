package gateway

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ADB drives a single Android device over the adb binary: screencap for
// frames, `input tap`/`input swipe` for gestures. One controller owns one
// device connection.
type ADB struct {
	path   string // adb binary
	device string // "127.0.0.1:port" or serial

	mu        sync.Mutex
	connected bool
	bounds    image.Rectangle // cached after first ScreenBounds
}

// NewADB creates a controller for the device reachable at the given port
// on localhost.
func NewADB(adbPath, port string) *ADB {
	return &ADB{
		path:   adbPath,
		device: fmt.Sprintf("127.0.0.1:%s", port),
	}
}

// NewADBForSerial creates a controller for an already-known device serial.
func NewADBForSerial(adbPath, serial string) *ADB {
	return &ADB{path: adbPath, device: serial}
}

// Connect establishes the adb connection and verifies the device answers.
func (a *ADB) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmd := exec.CommandContext(ctx, a.path, "connect", a.device)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to connect to device %s: %w, output: %s", a.device, err, output)
	}
	if !strings.Contains(string(output), "connected") {
		return fmt.Errorf("unexpected connect output: %s", output)
	}

	a.connected = true
	return nil
}

// Disconnect drops the connection. Safe to call when not connected.
func (a *ADB) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false

	cmd := exec.Command(a.path, "disconnect", a.device)
	cmd.Run()
}

// IsReady reports whether the device is connected and still answering.
func (a *ADB) IsReady() bool {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return false
	}

	// Liveness probe over the shell channel.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := a.shell(ctx, "echo", "ok")
	return err == nil && strings.TrimSpace(out) == "ok"
}

// ScreenBounds parses `wm size`, caching the result.
func (a *ADB) ScreenBounds() (image.Rectangle, error) {
	a.mu.Lock()
	if !a.bounds.Empty() {
		b := a.bounds
		a.mu.Unlock()
		return b, nil
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := a.shell(ctx, "wm", "size")
	if err != nil {
		return image.Rectangle{}, err
	}

	w, h, err := parseWindowSize(out)
	if err != nil {
		return image.Rectangle{}, err
	}

	bounds := image.Rect(0, 0, w, h)
	a.mu.Lock()
	a.bounds = bounds
	a.mu.Unlock()
	return bounds, nil
}

// CaptureFrame grabs a screenshot via `exec-out screencap -p`, decoding
// the PNG stream without touching the device filesystem.
func (a *ADB) CaptureFrame(ctx context.Context) (*image.RGBA, error) {
	if !a.isConnected() {
		return nil, ErrNotReady
	}

	cmd := exec.CommandContext(ctx, a.path, "-s", a.device, "exec-out", "screencap", "-p")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("screencap failed: %w, stderr: %s", err, stderr.String())
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screencap output: %w", err)
	}
	return toRGBA(img), nil
}

// DispatchTap performs `input tap x y`.
func (a *ADB) DispatchTap(ctx context.Context, x, y int) error {
	if !a.isConnected() {
		return ErrNotReady
	}
	_, err := a.shell(ctx, "input", "tap", fmt.Sprintf("%d", x), fmt.Sprintf("%d", y))
	return err
}

// DispatchLongPress holds a press using a zero-length swipe with duration.
func (a *ADB) DispatchLongPress(ctx context.Context, x, y int, duration time.Duration) error {
	if !a.isConnected() {
		return ErrNotReady
	}
	xs, ys := fmt.Sprintf("%d", x), fmt.Sprintf("%d", y)
	ms := fmt.Sprintf("%d", duration.Milliseconds())
	_, err := a.shell(ctx, "input", "swipe", xs, ys, xs, ys, ms)
	return err
}

func (a *ADB) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// shell runs an adb shell command against this controller's device.
func (a *ADB) shell(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-s", a.device, "shell"}, args...)
	cmd := exec.CommandContext(ctx, a.path, full...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("shell command %q failed: %w, output: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output)), nil
}

// parseWindowSize extracts dimensions from `wm size` output, preferring
// the override size when the physical one has been remapped.
func parseWindowSize(output string) (width, height int, err error) {
	var w, h int
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if _, scanErr := fmt.Sscanf(line, "Override size: %dx%d", &w, &h); scanErr == nil {
			return w, h, nil
		}
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if _, scanErr := fmt.Sscanf(line, "Physical size: %dx%d", &w, &h); scanErr == nil {
			return w, h, nil
		}
	}
	return 0, 0, fmt.Errorf("failed to parse window size: %s", output)
}

// toRGBA converts any decoded image to RGBA without copying when possible.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
}

// Ensure ADB satisfies the Gateway contract.
var _ Gateway = (*ADB)(nil)
