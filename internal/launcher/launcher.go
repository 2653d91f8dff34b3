// File: internal/launcher/launcher.go
// Package launcher starts the managed application and, optionally, waits for
// its start screen and taps through it.
package launcher

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/actuator"
	"github.com/sylvester1001/zat/internal/config"
)

// ErrBusy is returned when Start is called while another Start is waiting.
var ErrBusy = errors.New("launcher is already waiting for the start screen")

// App controls the application process.
type App interface {
	StartApp(ctx context.Context) error
	StopApp(ctx context.Context) error
}

// Result describes how a Start ended.
type Result struct {
	// Entered is true once the start screen was tapped through.
	Entered bool   `json:"entered"`
	Message string `json:"message,omitempty"`
}

// Launcher owns the start and stop flow of the application.
type Launcher struct {
	app App
	act *actuator.Actuator
	cfg config.LauncherConfig
	log *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a launcher.
func New(app App, act *actuator.Actuator, cfg config.LauncherConfig, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{app: app, act: act, cfg: cfg, log: logger.Named("launcher")}
}

// Waiting reports whether a Start is waiting for the start screen.
func (l *Launcher) Waiting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Start launches the application. With waitReady it then polls for the start
// screen until ReadyTimeout and taps it. A Stop during the wait ends it with
// Entered false and a nil error; cancelling ctx returns ctx.Err().
func (l *Launcher) Start(ctx context.Context, waitReady bool) (Result, error) {
	if !waitReady {
		if err := l.app.StartApp(ctx); err != nil {
			return Result{}, err
		}
		return Result{Message: "started"}, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return Result{}, ErrBusy
	}
	l.cancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.mu.Unlock()
	}()

	if err := l.app.StartApp(waitCtx); err != nil {
		return Result{}, err
	}
	entered, err := l.waitForReady(waitCtx)
	switch {
	case ctx.Err() != nil:
		return Result{Message: "cancelled"}, ctx.Err()
	case errors.Is(err, context.Canceled):
		l.log.Info("Waiting for the start screen was cancelled")
		return Result{Message: "cancelled"}, nil
	case err != nil:
		return Result{}, err
	case !entered:
		l.log.Warn("Start screen did not appear", zap.Duration("timeout", l.cfg.ReadyTimeout))
		return Result{Message: "timed out waiting for the start screen"}, nil
	}
	return Result{Entered: true, Message: "entered"}, nil
}

// Stop interrupts a waiting Start and force-stops the application.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	return l.app.StopApp(ctx)
}

// waitForReady looks for the start probe first and the start text in the
// bottom quarter of the screen second.
func (l *Launcher) waitForReady(ctx context.Context) (bool, error) {
	l.log.Info("Waiting for the start screen", zap.Duration("timeout", l.cfg.ReadyTimeout))
	deadline := time.Now().Add(l.cfg.ReadyTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		clicked, err := l.act.ClickProbeIfPresent(ctx, l.cfg.StartProbe)
		if err != nil {
			return false, err
		}
		if !clicked && l.cfg.StartText != "" {
			if bounds, ok := l.act.FrameBounds(); ok {
				region := bottomQuarter(bounds)
				if clicked, err = l.act.ClickText(ctx, l.cfg.StartText, &region, 0); err != nil {
					return false, err
				}
			}
		}
		if clicked {
			l.log.Info("Start screen tapped")
			_ = l.act.Sleep(ctx, l.cfg.EnterDelay)
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := l.act.Sleep(ctx, l.cfg.PollInterval); err != nil {
			return false, err
		}
	}
}

func bottomQuarter(b image.Rectangle) image.Rectangle {
	return image.Rect(b.Min.X, b.Min.Y+b.Dy()*3/4, b.Max.X, b.Max.Y)
}
