package clicker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neo321654/kiroclicker/internal/cv"
	"github.com/neo321654/kiroclicker/internal/events"
	"github.com/neo321654/kiroclicker/internal/gateway"
	"github.com/neo321654/kiroclicker/internal/logging"
)

// stubGateway is a scriptable Gateway for loop tests.
type stubGateway struct {
	mu               sync.Mutex
	ready            bool
	bounds           image.Rectangle
	captureFailures  int
	dispatchFailures int
	captureCalls     int
	tapCalls         int
	pressCalls       int
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		ready:  true,
		bounds: image.Rect(0, 0, 200, 200),
	}
}

func (g *stubGateway) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *stubGateway) ScreenBounds() (image.Rectangle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bounds, nil
}

func (g *stubGateway) CaptureFrame(ctx context.Context) (*image.RGBA, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	if !g.ready {
		return nil, gateway.ErrNotReady
	}
	if g.captureFailures > 0 {
		g.captureFailures--
		return nil, errors.New("capture broke")
	}
	return image.NewRGBA(g.bounds), nil
}

func (g *stubGateway) revoke() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = false
}

func (g *stubGateway) DispatchTap(ctx context.Context, x, y int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tapCalls++
	if g.dispatchFailures > 0 {
		g.dispatchFailures--
		return errors.New("tap broke")
	}
	return nil
}

func (g *stubGateway) DispatchLongPress(ctx context.Context, x, y int, d time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pressCalls++
	if g.dispatchFailures > 0 {
		g.dispatchFailures--
		return errors.New("press broke")
	}
	return nil
}

func (g *stubGateway) taps() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tapCalls
}

func (g *stubGateway) captures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captureCalls
}

// stubResolver resolves every ref to the same tiny image.
type stubResolver struct {
	missing bool
}

func (r *stubResolver) Resolve(ref string) (*image.RGBA, error) {
	if r.missing {
		return nil, fmt.Errorf("no template %q", ref)
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

// foundAt builds a matcher that always reports a hit at the given point.
func foundAt(x, y int) Matcher {
	return func(frame, template *image.RGBA, threshold float64) (cv.MatchVerdict, error) {
		return cv.MatchVerdict{Found: true, Location: image.Pt(x, y), Confidence: 0.95}, nil
	}
}

func neverFound(frame, template *image.RGBA, threshold float64) (cv.MatchVerdict, error) {
	return cv.MatchVerdict{Found: false, Confidence: 0.1}, nil
}

// recorder captures bus events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func quietLogger() *logging.Logger {
	return logging.New("test").SetMinLevel(logging.LevelError)
}

func validConfig() RunConfig {
	return RunConfig{
		TemplateRef: "target",
		Interval:    MinInterval,
		RepeatCount: 3,
		Threshold:   0.8,
	}
}

func waitForTag(t *testing.T, c *Clicker, tag StateTag) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State().Tag == tag {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s, still %s", tag, c.State())
}

func TestStartRejectsNotReadyGateway(t *testing.T) {
	gw := newStubGateway()
	gw.ready = false

	c := New(gw, &stubResolver{}, WithLogger(quietLogger()))
	err := c.Start(validConfig())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}

	st := c.State()
	if st.Tag != TagError || st.Message != "Service not ready" {
		t.Errorf("Expected Error(Service not ready), got %s", st)
	}
	if c.ClickCount() != 0 {
		t.Errorf("Click count must stay 0, got %d", c.ClickCount())
	}
	if gw.captures() != 0 {
		t.Errorf("No capture should happen on a rejected start, got %d", gw.captures())
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunConfig)
	}{
		{"empty template ref", func(c *RunConfig) { c.TemplateRef = "" }},
		{"interval below floor", func(c *RunConfig) { c.Interval = 50 * time.Millisecond }},
		{"zero repeat", func(c *RunConfig) { c.RepeatCount = 0 }},
		{"negative repeat below sentinel", func(c *RunConfig) { c.RepeatCount = -2 }},
		{"threshold above one", func(c *RunConfig) { c.Threshold = 1.5 }},
		{"negative threshold", func(c *RunConfig) { c.Threshold = -0.1 }},
		{"negative press duration", func(c *RunConfig) { c.PressDuration = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(newStubGateway(), &stubResolver{}, WithLogger(quietLogger()))
			cfg := validConfig()
			tt.mutate(&cfg)

			err := c.Start(cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Expected ErrInvalidConfig, got %v", err)
			}
			st := c.State()
			if st.Tag != TagError || st.Message != "Invalid configuration" {
				t.Errorf("Expected Error(Invalid configuration), got %s", st)
			}
			if c.ClickCount() != 0 {
				t.Errorf("Click count must stay 0, got %d", c.ClickCount())
			}
		})
	}
}

func TestStartRejectsUnresolvableTemplate(t *testing.T) {
	c := New(newStubGateway(), &stubResolver{missing: true}, WithLogger(quietLogger()))
	if err := c.Start(validConfig()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
	if st := c.State(); st.Message != "Invalid configuration" {
		t.Errorf("Expected Error(Invalid configuration), got %s", st)
	}
}

func TestBoundedRunCompletes(t *testing.T) {
	gw := newStubGateway()
	rec := &recorder{}

	c := New(gw, &stubResolver{},
		WithMatcher(foundAt(50, 50)),
		WithBackoff(10*time.Millisecond, 10*time.Millisecond),
		WithLogger(quietLogger()))
	c.Bus().Subscribe(rec.handle)

	if err := c.Start(validConfig()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForTag(t, c, TagCompleted)

	if got := c.State(); got.Count != 3 {
		t.Errorf("Expected Completed(3), got %s", got)
	}
	if gw.taps() != 3 {
		t.Errorf("Expected 3 taps, got %d", gw.taps())
	}

	want := []struct {
		tag   string
		count int
	}{
		{"searching", 0},
		{"clicking", 0},
		{"waiting", 1},
		{"searching", 1},
		{"clicking", 1},
		{"waiting", 2},
		{"searching", 2},
		{"clicking", 2},
		{"completed", 3},
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Tag != w.tag || got[i].ClickCount != w.count {
			t.Errorf("Event %d: expected %s(count=%d), got %s(count=%d)",
				i, w.tag, w.count, got[i].Tag, got[i].ClickCount)
		}
	}
}

func TestNoMatchKeepsSearching(t *testing.T) {
	gw := newStubGateway()
	c := New(gw, &stubResolver{},
		WithMatcher(neverFound),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))

	if err := c.Start(validConfig()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if st := c.State(); st.Tag != TagSearching {
		t.Errorf("Expected loop to stay in searching, got %s", st)
	}
	if gw.taps() != 0 {
		t.Errorf("No taps expected without a match, got %d", gw.taps())
	}
	if c.ClickCount() != 0 {
		t.Errorf("Click count must stay 0, got %d", c.ClickCount())
	}

	c.Stop()
	if st := c.State(); st.Tag != TagIdle {
		t.Errorf("Expected Idle after Stop, got %s", st)
	}
}

func TestOutOfBoundsPointIsNotDispatched(t *testing.T) {
	gw := newStubGateway()
	cfg := validConfig()
	cfg.ClickOffset = image.Pt(500, 500) // pushes the point off screen

	c := New(gw, &stubResolver{},
		WithMatcher(foundAt(50, 50)),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))

	if err := c.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	c.Stop()

	if gw.taps() != 0 {
		t.Errorf("Out-of-bounds point must not be dispatched, got %d taps", gw.taps())
	}
}

func TestCaptureFailureRetriesThenSucceeds(t *testing.T) {
	gw := newStubGateway()
	gw.captureFailures = 2

	cfg := validConfig()
	cfg.RepeatCount = 1

	c := New(gw, &stubResolver{},
		WithMatcher(foundAt(10, 10)),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))

	if err := c.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForTag(t, c, TagCompleted)

	if gw.captures() < 3 {
		t.Errorf("Expected at least 3 capture attempts, got %d", gw.captures())
	}
	if got := c.State(); got.Count != 1 {
		t.Errorf("Expected Completed(1), got %s", got)
	}
}

func TestDispatchFailureDoesNotCount(t *testing.T) {
	gw := newStubGateway()
	gw.dispatchFailures = 1

	cfg := validConfig()
	cfg.RepeatCount = 1

	c := New(gw, &stubResolver{},
		WithMatcher(foundAt(10, 10)),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))

	if err := c.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForTag(t, c, TagCompleted)

	if gw.taps() != 2 {
		t.Errorf("Expected 2 tap attempts (one failed), got %d", gw.taps())
	}
	if got := c.State(); got.Count != 1 {
		t.Errorf("Expected Completed(1), got %s", got)
	}
}

func TestLongPressUsesPressDispatch(t *testing.T) {
	gw := newStubGateway()
	cfg := validConfig()
	cfg.RepeatCount = 1
	cfg.PressDuration = 50 * time.Millisecond

	c := New(gw, &stubResolver{},
		WithMatcher(foundAt(10, 10)),
		WithLogger(quietLogger()))

	if err := c.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForTag(t, c, TagCompleted)

	if gw.pressCalls != 1 || gw.taps() != 0 {
		t.Errorf("Expected 1 long press and 0 taps, got %d/%d", gw.pressCalls, gw.taps())
	}
}

func TestCapabilityRevokedMidRunIsFatal(t *testing.T) {
	gw := newStubGateway()
	c := New(gw, &stubResolver{},
		WithMatcher(neverFound),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))

	if err := c.Start(validConfig()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the loop run normally first, then pull the capability.
	deadline := time.Now().Add(5 * time.Second)
	for gw.captures() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gw.captures() == 0 {
		t.Fatal("Loop never captured")
	}
	gw.revoke()

	waitForTag(t, c, TagError)
	st := c.State()
	if st.Message != "Service not ready" {
		t.Errorf("Expected Error(Service not ready), got %s", st)
	}
	if gw.taps() != 0 {
		t.Errorf("No taps expected, got %d", gw.taps())
	}

	// The run is over; the loop must not keep retrying.
	captures := gw.captures()
	time.Sleep(30 * time.Millisecond)
	if gw.captures() != captures {
		t.Error("Loop kept capturing after the capability was revoked")
	}
}

func TestPanicInLoopBecomesErrorState(t *testing.T) {
	broken := func(frame, template *image.RGBA, threshold float64) (cv.MatchVerdict, error) {
		panic("matcher bug")
	}
	c := New(newStubGateway(), &stubResolver{},
		WithMatcher(broken),
		WithLogger(quietLogger()))

	if err := c.Start(validConfig()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForTag(t, c, TagError)
	st := c.State()
	if !strings.Contains(st.Message, "matcher bug") {
		t.Errorf("Expected the panic value in the error message, got %q", st.Message)
	}

	// The goroutine unwound cleanly; Stop returns promptly and resets.
	c.Stop()
	if got := c.State(); got.Tag != TagIdle {
		t.Errorf("Expected Idle after Stop, got %s", got)
	}
}

func TestStopFromObserverViaGoroutine(t *testing.T) {
	gw := newStubGateway()
	c := New(gw, &stubResolver{},
		WithMatcher(foundAt(10, 10)),
		WithLogger(quietLogger()))

	var once sync.Once
	c.Bus().Subscribe(func(ev events.Event) {
		if ev.Tag == string(TagClicking) {
			// Handlers run on the loop goroutine, so Stop is deferred
			// to a fresh one.
			once.Do(func() { go c.Stop() })
		}
	})

	cfg := validConfig()
	cfg.RepeatCount = RepeatUnbounded
	if err := c.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForTag(t, c, TagIdle)
	if c.ClickCount() != 0 {
		t.Errorf("Stop must reset click count, got %d", c.ClickCount())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(newStubGateway(), &stubResolver{}, WithLogger(quietLogger()))

	c.Stop()
	c.Stop()

	if st := c.State(); st.Tag != TagIdle {
		t.Errorf("Expected Idle, got %s", st)
	}
	if c.ClickCount() != 0 {
		t.Errorf("Expected zero click count, got %d", c.ClickCount())
	}
}

func TestStopCancelsUnboundedRun(t *testing.T) {
	gw := newStubGateway()
	cfg := validConfig()
	cfg.RepeatCount = RepeatUnbounded

	c := New(gw, &stubResolver{},
		WithMatcher(foundAt(10, 10)),
		WithLogger(quietLogger()))

	if err := c.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let it click at least once.
	deadline := time.Now().Add(5 * time.Second)
	for gw.taps() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gw.taps() == 0 {
		t.Fatal("Run never clicked")
	}

	c.Stop()
	if st := c.State(); st.Tag != TagIdle {
		t.Errorf("Expected Idle after Stop, got %s", st)
	}
	if c.ClickCount() != 0 {
		t.Errorf("Stop must reset click count, got %d", c.ClickCount())
	}

	taps := gw.taps()
	time.Sleep(30 * time.Millisecond)
	if gw.taps() != taps {
		t.Error("Loop kept clicking after Stop")
	}

	c.Stop() // second stop is a no-op
	if st := c.State(); st.Tag != TagIdle {
		t.Errorf("Expected Idle after repeated Stop, got %s", st)
	}
}

func TestClickCountIsMonotonicWithinRun(t *testing.T) {
	rec := &recorder{}
	c := New(newStubGateway(), &stubResolver{},
		WithMatcher(foundAt(10, 10)),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))
	c.Bus().Subscribe(rec.handle)

	cfg := validConfig()
	cfg.RepeatCount = 4
	if err := c.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForTag(t, c, TagCompleted)

	last := 0
	for i, ev := range rec.snapshot() {
		if ev.ClickCount < last {
			t.Errorf("Event %d: count decreased from %d to %d", i, last, ev.ClickCount)
		}
		last = ev.ClickCount
	}
	if last != 4 {
		t.Errorf("Expected final count 4, got %d", last)
	}
}

func TestStartWhileRunningRestarts(t *testing.T) {
	gw := newStubGateway()
	c := New(gw, &stubResolver{},
		WithMatcher(foundAt(10, 10)),
		WithLogger(quietLogger()))

	cfg := validConfig()
	cfg.RepeatCount = RepeatUnbounded
	if err := c.Start(cfg); err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	cfg.RepeatCount = 1
	if err := c.Start(cfg); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	waitForTag(t, c, TagCompleted)

	if got := c.State(); got.Count != 1 {
		t.Errorf("Expected Completed(1) from the restarted run, got %s", got)
	}
}
