// File: internal/actuator/actuator.go
// Package actuator turns probe and text lookups into input events. It is the
// shared action layer of the navigator, the activity monitor and the
// orchestrator.
package actuator

import (
	"context"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/device"
	"github.com/sylvester1001/zat/internal/perception"
	"github.com/sylvester1001/zat/internal/scene"
)

// Actuator performs wait-and-click style actions against the latest frame.
// Perception misses are reported as false, never as errors; errors come only
// from the device transport or the context.
type Actuator struct {
	dev       device.Device
	frames    perception.FrameSource
	matcher   perception.Matcher
	texts     perception.TextFinder
	threshold float64
	cfg       config.NavigatorConfig
	log       *zap.Logger
}

// New creates an actuator. texts may be nil, in which case text clicks always miss.
func New(
	dev device.Device,
	frames perception.FrameSource,
	matcher perception.Matcher,
	texts perception.TextFinder,
	threshold float64,
	cfg config.NavigatorConfig,
	logger *zap.Logger,
) *Actuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actuator{
		dev:       dev,
		frames:    frames,
		matcher:   matcher,
		texts:     texts,
		threshold: threshold,
		cfg:       cfg,
		log:       logger.Named("actuator"),
	}
}

// Device returns the underlying input device.
func (a *Actuator) Device() device.Device { return a.dev }

// Find checks the latest frame for probe without acting on it.
func (a *Actuator) Find(probe string) (perception.Match, bool) {
	frame := a.frames.LatestFrame()
	if frame == nil || probe == "" {
		return perception.Match{}, false
	}
	return a.matcher.MatchTemplate(frame, probe, a.threshold)
}

// FrameBounds returns the bounds of the latest frame. ok is false without one.
func (a *Actuator) FrameBounds() (bounds image.Rectangle, ok bool) {
	frame := a.frames.LatestFrame()
	if frame == nil {
		return image.Rectangle{}, false
	}
	return frame.Bounds(), true
}

// WaitForFrame polls until the frame source holds a frame or timeout
// elapses. It reports whether a frame is available.
func (a *Actuator) WaitForFrame(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if a.frames.LatestFrame() != nil {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := a.Sleep(ctx, a.cfg.ClickInterval); err != nil {
			return false, err
		}
	}
}

// ClickProbeIfPresent taps probe when it is visible in the latest frame.
func (a *Actuator) ClickProbeIfPresent(ctx context.Context, probe string) (bool, error) {
	m, ok := a.Find(probe)
	if !ok {
		return false, nil
	}
	if err := a.dev.Tap(ctx, m.X, m.Y); err != nil {
		return false, err
	}
	a.log.Debug("Clicked probe", zap.String("probe", probe), zap.Int("x", m.X), zap.Int("y", m.Y))
	return true, nil
}

// ClickProbe polls for probe until it is visible or timeout elapses, then
// taps it once. A non-positive timeout makes a single attempt.
func (a *Actuator) ClickProbe(ctx context.Context, probe string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		clicked, err := a.ClickProbeIfPresent(ctx, probe)
		if err != nil || clicked {
			return clicked, err
		}
		if !time.Now().Before(deadline) {
			a.log.Debug("Probe not found", zap.String("probe", probe), zap.Duration("timeout", timeout))
			return false, nil
		}
		if err := a.Sleep(ctx, a.cfg.ClickInterval); err != nil {
			return false, err
		}
	}
}

// ClickText polls for text and taps it once found. region restricts the
// search when non-nil.
func (a *Actuator) ClickText(ctx context.Context, text string, region *image.Rectangle, timeout time.Duration) (bool, error) {
	if a.texts == nil {
		return false, nil
	}
	deadline := time.Now().Add(timeout)
	for {
		if frame := a.frames.LatestFrame(); frame != nil {
			if m, ok := a.texts.FindText(frame, text, region); ok {
				if err := a.dev.Tap(ctx, m.X, m.Y); err != nil {
					return false, err
				}
				a.log.Debug("Clicked text", zap.String("text", text), zap.Int("x", m.X), zap.Int("y", m.Y))
				return true, nil
			}
		}
		if !time.Now().Before(deadline) {
			a.log.Debug("Text not found", zap.String("text", text), zap.Duration("timeout", timeout))
			return false, nil
		}
		if err := a.Sleep(ctx, a.cfg.TextInterval); err != nil {
			return false, err
		}
	}
}

// Back taps probe if one is given and visible within the click timeout, and
// presses the hardware back key otherwise.
func (a *Actuator) Back(ctx context.Context, probe string) error {
	if probe != "" {
		clicked, err := a.ClickProbe(ctx, probe, a.cfg.ClickTimeout)
		if err != nil || clicked {
			return err
		}
	}
	return a.dev.PressBack(ctx)
}

// Scroll swipes from the centre of the latest frame by distance pixels and
// waits for the list to settle. It is a no-op without a frame or direction.
func (a *Actuator) Scroll(ctx context.Context, dir scene.Direction, distance int) error {
	frame := a.frames.LatestFrame()
	if frame == nil {
		return nil
	}
	c := perception.Center(frame)
	endY := c.Y
	switch dir {
	case scene.ScrollDown:
		endY += distance
	case scene.ScrollUp:
		endY -= distance
	default:
		return nil
	}
	if err := a.dev.Swipe(ctx, c.X, c.Y, c.X, endY, a.cfg.ScrollDuration); err != nil {
		return err
	}
	return a.Sleep(ctx, a.cfg.ScrollWait)
}

// Sleep waits for d or until ctx is done.
func (a *Actuator) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
