package clicker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/neo321654/kiroclicker/internal/cv"
	"github.com/neo321654/kiroclicker/internal/events"
	"github.com/neo321654/kiroclicker/internal/gateway"
	"github.com/neo321654/kiroclicker/internal/logging"
)

const (
	// DefaultNotFoundDelay is the pause after a search that found nothing.
	DefaultNotFoundDelay = 500 * time.Millisecond

	// DefaultRetryDelay is the pause after a transient error (capture
	// failure, match failure, out-of-bounds point, dispatch failure).
	DefaultRetryDelay = 1000 * time.Millisecond
)

// ErrNotReady reports a Start attempt while the gateway has no usable
// capture and input surface.
var ErrNotReady = errors.New("clicker: service not ready")

// Error state messages surfaced to observers.
const (
	msgNotReady      = "Service not ready"
	msgInvalidConfig = "Invalid configuration"
)

// Matcher locates a template inside a frame. The default is cv.Locate;
// tests substitute their own.
type Matcher func(frame, template *image.RGBA, threshold float64) (cv.MatchVerdict, error)

// Clicker drives the capture, match, tap cycle as a cancellable
// background run. All mutating calls are safe from any goroutine;
// state transitions and their events happen strictly in order.
type Clicker struct {
	gw       gateway.Gateway
	resolver TemplateResolver
	bus      *events.Bus
	log      *logging.Logger
	match    Matcher

	notFoundDelay time.Duration
	retryDelay    time.Duration

	mu         sync.Mutex
	state      RunState
	clickCount int
	cancel     context.CancelFunc
	done       chan struct{}
}

// Option tweaks a Clicker at construction time.
type Option func(*Clicker)

// WithBackoff overrides the not-found and transient-error delays.
func WithBackoff(notFound, retry time.Duration) Option {
	return func(c *Clicker) {
		if notFound > 0 {
			c.notFoundDelay = notFound
		}
		if retry > 0 {
			c.retryDelay = retry
		}
	}
}

// WithMatcher substitutes the template matcher.
func WithMatcher(m Matcher) Option {
	return func(c *Clicker) { c.match = m }
}

// WithLogger substitutes the component logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Clicker) { c.log = log }
}

// New creates a Clicker over a gateway and template resolver.
func New(gw gateway.Gateway, resolver TemplateResolver, opts ...Option) *Clicker {
	c := &Clicker{
		gw:            gw,
		resolver:      resolver,
		bus:           events.NewBus(),
		log:           logging.New("clicker"),
		match:         cv.Locate,
		notFoundDelay: DefaultNotFoundDelay,
		retryDelay:    DefaultRetryDelay,
		state:         Idle(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bus exposes the event bus so observers can subscribe to state
// transitions. Handlers run synchronously on the loop goroutine;
// a handler must not call Stop directly, since Stop waits for that
// same goroutine to exit. Stop from a handler via a new goroutine.
func (c *Clicker) Bus() *events.Bus {
	return c.bus
}

// State returns a snapshot of the current run state.
func (c *Clicker) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClickCount returns the number of successful clicks in the current run.
func (c *Clicker) ClickCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clickCount
}

// Start begins a new run. A run already in progress is stopped first.
// Start fails fast into the Error state when the gateway is not ready
// or the config is invalid; otherwise the loop runs in a background
// goroutine until it terminates or Stop is called.
func (c *Clicker) Start(cfg RunConfig) error {
	c.Stop()

	if !c.gw.IsReady() {
		c.log.Warn("Start rejected: gateway not ready")
		c.setState(Failed(msgNotReady))
		return ErrNotReady
	}
	if err := cfg.Validate(c.resolver); err != nil {
		c.log.Error("Start rejected: bad config", err)
		c.setState(Failed(msgInvalidConfig))
		return err
	}

	// Validate already proved the ref resolves.
	template, err := c.resolver.Resolve(cfg.TemplateRef)
	if err != nil {
		c.setState(Failed(msgInvalidConfig))
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.clickCount = 0
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.setState(Searching())
	c.log.InfoWithFields("Run started", map[string]interface{}{
		"template": cfg.TemplateRef,
		"repeat":   cfg.RepeatCount,
		"interval": cfg.Interval,
	})

	go c.run(ctx, cfg, template, done)
	return nil
}

// Stop cancels any run in progress, waits for its goroutine to exit,
// and resets to Idle with a zero click count. Stopping an idle Clicker
// is a no-op.
func (c *Clicker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	wasIdle := c.state.Tag == TagIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	c.clickCount = 0
	stillIdle := c.state.Tag == TagIdle
	c.state = Idle()
	c.mu.Unlock()

	if !wasIdle || !stillIdle {
		c.publish(Idle())
		c.log.Info("Run stopped")
	}
}

// run is the automation loop. It owns all transitions after Searching
// and exits on context cancellation or a terminal state.
func (c *Clicker) run(ctx context.Context, cfg RunConfig, template *image.RGBA, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Run panicked", fmt.Errorf("%v", r))
			c.setState(Failed(fmt.Sprintf("internal error: %v", r)))
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if !cfg.Unbounded() && c.ClickCount() >= cfg.RepeatCount {
			c.finish()
			return
		}

		c.setState(Searching())

		frame, err := c.gw.CaptureFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A capture failure is transient only while the capability
			// is still there; a revoked capability ends the run.
			if !c.gw.IsReady() {
				c.log.Error("Capture capability revoked", err)
				c.setState(Failed(msgNotReady))
				return
			}
			c.log.Error("Capture failed", err)
			if !c.pause(ctx, c.retryDelay) {
				return
			}
			continue
		}

		verdict, err := c.match(frame, template, cfg.Threshold)
		if err != nil {
			c.log.Error("Match failed", err)
			if !c.pause(ctx, c.retryDelay) {
				return
			}
			continue
		}

		if !verdict.Found {
			c.log.Debugf("No match (confidence %.3f)", verdict.Confidence)
			if !c.pause(ctx, c.notFoundDelay) {
				return
			}
			continue
		}

		point := verdict.Location.Add(cfg.ClickOffset)
		bounds, err := c.gw.ScreenBounds()
		if err != nil {
			c.log.Error("Screen bounds unavailable", err)
			if !c.pause(ctx, c.retryDelay) {
				return
			}
			continue
		}
		if !point.In(bounds) {
			c.log.Warnf("Click point %v outside screen %v, skipping", point, bounds)
			if !c.pause(ctx, c.retryDelay) {
				return
			}
			continue
		}

		c.setState(Clicking())

		if err := c.dispatch(ctx, cfg, point); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.gw.IsReady() {
				c.log.Error("Gesture capability revoked", err)
				c.setState(Failed(msgNotReady))
				return
			}
			c.log.Error("Dispatch failed", err)
			if !c.pause(ctx, c.retryDelay) {
				return
			}
			continue
		}

		count := c.incrementCount()
		c.log.InfoWithFields("Clicked", map[string]interface{}{
			"point": point, "count": count,
		})

		if !cfg.Unbounded() && count >= cfg.RepeatCount {
			c.finish()
			return
		}

		c.setState(Waiting())
		if !c.pause(ctx, cfg.Interval) {
			return
		}
	}
}

func (c *Clicker) dispatch(ctx context.Context, cfg RunConfig, point image.Point) error {
	if cfg.PressDuration > 0 {
		return c.gw.DispatchLongPress(ctx, point.X, point.Y, cfg.PressDuration)
	}
	return c.gw.DispatchTap(ctx, point.X, point.Y)
}

func (c *Clicker) finish() {
	count := c.ClickCount()
	c.setState(Completed(count))
	c.log.Infof("Run completed after %d clicks", count)
}

// setState records the transition and emits its event before returning,
// so observers see transitions in the order they happened. Re-entering
// the same state (a retry cycling back to Searching) is not re-emitted.
func (c *Clicker) setState(st RunState) {
	c.mu.Lock()
	same := c.state.Tag == st.Tag
	c.state = st
	c.mu.Unlock()
	if !same {
		c.publish(st)
	}
}

func (c *Clicker) publish(st RunState) {
	count := c.ClickCount()
	if st.Tag == TagCompleted {
		count = st.Count
	}
	c.bus.Publish(events.Event{
		Tag:        string(st.Tag),
		ClickCount: count,
		Message:    st.Message,
	})
}

func (c *Clicker) incrementCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clickCount++
	return c.clickCount
}

// pause sleeps for d unless the context is cancelled first. It reports
// whether the run should continue.
func (c *Clicker) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
