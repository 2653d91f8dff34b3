// File: internal/device/device.go
// Package device defines the input contract towards the controlled device and
// decorators that shape how input events are delivered.
package device

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Device delivers input events. Implementations must be safe for use by a
// single run flow plus concurrent liveness checks.
type Device interface {
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error
	PressBack(ctx context.Context) error
	// IsAttached is a coarse check that the managed application is running
	// in the foreground of the device.
	IsAttached(ctx context.Context) (bool, error)
}

// Throttled limits the rate of input events sent to the wrapped device.
type Throttled struct {
	Device
	limiter *rate.Limiter
}

// Throttle wraps d with a token bucket. A non-positive rps returns d unchanged.
func Throttle(d Device, rps float64, burst int) Device {
	if rps <= 0 {
		return d
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{Device: d, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) Tap(ctx context.Context, x, y int) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Device.Tap(ctx, x, y)
}

func (t *Throttled) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Device.Swipe(ctx, x1, y1, x2, y2, d)
}

func (t *Throttled) PressBack(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Device.PressBack(ctx)
}
