package clicker

import (
	"errors"
	"fmt"
	"image"
	"time"
)

const (
	// MinInterval is the floor for the delay between successful clicks.
	MinInterval = 100 * time.Millisecond

	// RepeatUnbounded makes the loop click until Stop is called.
	RepeatUnbounded = -1
)

// ErrInvalidConfig wraps all RunConfig validation failures.
var ErrInvalidConfig = errors.New("clicker: invalid configuration")

// TemplateResolver turns a template reference (a registered name or a
// direct file path) into a decoded image.
type TemplateResolver interface {
	Resolve(ref string) (*image.RGBA, error)
}

// RunConfig holds the parameters of one automation run.
type RunConfig struct {
	// TemplateRef names the image to search for, either a registered
	// template name or a file path.
	TemplateRef string

	// ClickOffset is added to the match location (top-left of the found
	// template) to produce the tap point.
	ClickOffset image.Point

	// Interval is the pause after each successful click.
	Interval time.Duration

	// RepeatCount is the number of clicks before the run completes, or
	// RepeatUnbounded.
	RepeatCount int

	// Threshold is the minimum confidence for a match, in [0, 1].
	Threshold float64

	// PressDuration, when positive, turns each click into a long press
	// of that duration. Zero means a plain tap.
	PressDuration time.Duration
}

// Validate checks the config against a resolver. A nil resolver skips
// the template reference check, which lets stored configs be validated
// before their images exist on disk.
func (c RunConfig) Validate(resolver TemplateResolver) error {
	if c.TemplateRef == "" {
		return fmt.Errorf("%w: template reference is empty", ErrInvalidConfig)
	}
	if c.Interval < MinInterval {
		return fmt.Errorf("%w: interval %v below minimum %v", ErrInvalidConfig, c.Interval, MinInterval)
	}
	if c.RepeatCount != RepeatUnbounded && c.RepeatCount <= 0 {
		return fmt.Errorf("%w: repeat count must be positive or unbounded, got %d", ErrInvalidConfig, c.RepeatCount)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside [0, 1]", ErrInvalidConfig, c.Threshold)
	}
	if c.PressDuration < 0 {
		return fmt.Errorf("%w: press duration must not be negative", ErrInvalidConfig)
	}
	if resolver != nil {
		if _, err := resolver.Resolve(c.TemplateRef); err != nil {
			return fmt.Errorf("%w: template %q not resolvable: %v", ErrInvalidConfig, c.TemplateRef, err)
		}
	}
	return nil
}

// Unbounded reports whether the run has no click limit.
func (c RunConfig) Unbounded() bool {
	return c.RepeatCount == RepeatUnbounded
}
