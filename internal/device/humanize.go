package device

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sylvester1001/zat/internal/config"
)

// Humanized perturbs tap coordinates and swipe durations with gaussian noise
// so repeated inputs do not land on the exact same pixel.
type Humanized struct {
	Device
	cfg config.HumanizeConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// Humanize wraps d. A disabled config returns d unchanged.
func Humanize(d Device, cfg config.HumanizeConfig) Device {
	if !cfg.Enabled {
		return d
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Humanized{Device: d, cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// offset draws a clamped gaussian pixel offset.
func (h *Humanized) offset() int {
	h.mu.Lock()
	v := h.rng.NormFloat64() * h.cfg.TapSigmaPx
	h.mu.Unlock()

	o := int(math.Round(v))
	if limit := h.cfg.MaxOffsetPx; limit > 0 {
		if o > limit {
			o = limit
		} else if o < -limit {
			o = -limit
		}
	}
	return o
}

func (h *Humanized) Tap(ctx context.Context, x, y int) error {
	return h.Device.Tap(ctx, nonNegative(x+h.offset()), nonNegative(y+h.offset()))
}

func (h *Humanized) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	if h.cfg.SwipeJitter > 0 {
		h.mu.Lock()
		extra := time.Duration(math.Abs(h.rng.NormFloat64()) * float64(h.cfg.SwipeJitter))
		h.mu.Unlock()
		d += extra
	}
	return h.Device.Swipe(ctx, x1, y1, nonNegative(x2+h.offset()), nonNegative(y2+h.offset()), d)
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
