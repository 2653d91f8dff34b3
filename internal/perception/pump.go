package perception

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/config"
)

// Stats is a snapshot of pump counters.
type Stats struct {
	Frames   uint64
	Errors   uint64
	Restarts uint64
	FPS      float64
}

// Pump repeatedly captures frames into a Slot. A failing capturer is retried
// with exponential backoff; the pump itself only stops when ctx is done.
type Pump struct {
	capturer Capturer
	slot     *Slot
	cfg      config.CaptureConfig
	logger   *zap.Logger

	frames   atomic.Uint64
	errors   atomic.Uint64
	restarts atomic.Uint64
	started  atomic.Int64
}

// NewPump creates a pump writing into slot.
func NewPump(c Capturer, slot *Slot, cfg config.CaptureConfig, logger *zap.Logger) *Pump {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.RestartBackoff {
		cfg.MaxBackoff = cfg.RestartBackoff
	}
	return &Pump{
		capturer: c,
		slot:     slot,
		cfg:      cfg,
		logger:   logger.Named("pump"),
	}
}

// Run blocks until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	p.started.Store(time.Now().UnixNano())
	p.logger.Info("Capture pump started", zap.Duration("interval", p.cfg.Interval))
	defer p.logger.Info("Capture pump stopped", zap.Uint64("frames", p.frames.Load()))

	backoff := p.cfg.RestartBackoff
	failing := false
	for {
		frame, err := p.capturer.Capture(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := p.cfg.Interval
		if err != nil {
			p.errors.Add(1)
			if !failing {
				p.logger.Warn("Capture failed; restarting with backoff", zap.Error(err))
			}
			failing = true
			wait = backoff
			backoff *= 2
			if backoff > p.cfg.MaxBackoff {
				backoff = p.cfg.MaxBackoff
			}
		} else {
			if failing {
				p.restarts.Add(1)
				p.logger.Info("Capture recovered")
			}
			failing = false
			backoff = p.cfg.RestartBackoff
			p.slot.Store(frame)
			p.frames.Add(1)
		}

		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Stats returns the current counters.
func (p *Pump) Stats() Stats {
	s := Stats{
		Frames:   p.frames.Load(),
		Errors:   p.errors.Load(),
		Restarts: p.restarts.Load(),
	}
	if started := p.started.Load(); started != 0 {
		if elapsed := time.Since(time.Unix(0, started)).Seconds(); elapsed > 0 {
			s.FPS = float64(s.Frames) / elapsed
		}
	}
	return s
}
