// File: internal/service/components.go
package service

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/activity"
	"github.com/sylvester1001/zat/internal/actuator"
	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/device"
	"github.com/sylvester1001/zat/internal/device/adb"
	"github.com/sylvester1001/zat/internal/launcher"
	"github.com/sylvester1001/zat/internal/metrics"
	"github.com/sylvester1001/zat/internal/navigator"
	"github.com/sylvester1001/zat/internal/observer"
	"github.com/sylvester1001/zat/internal/orchestrator"
	"github.com/sylvester1001/zat/internal/perception"
	"github.com/sylvester1001/zat/internal/perception/remote"
	"github.com/sylvester1001/zat/internal/scene"
	"github.com/sylvester1001/zat/internal/server"
	"github.com/sylvester1001/zat/internal/sim"
	"github.com/sylvester1001/zat/internal/store"
)

// Components holds the assembled engine. Exactly one of Sim and ADB is set.
type Components struct {
	Graph   *scene.Graph
	Catalog *catalog.Catalog

	Sim        *sim.Sim
	ADB        *adb.Client
	Recognizer *remote.Client
	Device     device.Device

	// Slot and Pump are only set on hardware; the simulator serves frames itself.
	Slot *perception.Slot
	Pump *perception.Pump

	Actuator     *actuator.Actuator
	Observer     *observer.Observer
	Navigator    *navigator.Navigator
	Monitor      *activity.Monitor
	Orchestrator *orchestrator.Orchestrator
	Launcher     *launcher.Launcher

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Archive  *store.Store
	Mirror   *store.Mirror

	closers []func()
	logger  *zap.Logger
}

// CaptureStats returns the pump counters, or nil when there is no pump.
func (c *Components) CaptureStats() func() perception.Stats {
	if c.Pump == nil {
		return nil
	}
	return c.Pump.Stats
}

// RunPump runs the capture pump until ctx is done. It returns immediately
// when there is nothing to pump.
func (c *Components) RunPump(ctx context.Context) error {
	if c.Pump == nil {
		return nil
	}
	return c.Pump.Run(ctx)
}

// ServerOptions wires the metrics registry and capture counters into the ops server.
func (c *Components) ServerOptions() server.Options {
	return server.Options{Gatherer: c.Registry, Capture: c.CaptureStats()}
}

// History returns recent records from the most durable configured source.
// source is one of "memory", "redis" or "postgres"; an empty source picks
// postgres, then redis, then memory.
func (c *Components) History(ctx context.Context, source string, limit int) ([]orchestrator.RunRecord, error) {
	if source == "" {
		switch {
		case c.Archive != nil:
			source = "postgres"
		case c.Mirror != nil:
			source = "redis"
		default:
			source = "memory"
		}
	}
	switch source {
	case "postgres":
		if c.Archive == nil {
			return nil, fmt.Errorf("the postgres archive is not enabled")
		}
		return c.Archive.Recent(ctx, limit)
	case "redis":
		if c.Mirror == nil {
			return nil, fmt.Errorf("the redis mirror is not enabled")
		}
		return c.Mirror.Recent(ctx, limit)
	case "memory":
		recs := c.Orchestrator.History()
		if limit > 0 && len(recs) > limit {
			recs = recs[:limit]
		}
		return recs, nil
	default:
		return nil, fmt.Errorf("unknown history source %q", source)
	}
}

// Shutdown stops any run in flight and releases external resources in the
// reverse order of acquisition.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	if c.Orchestrator != nil {
		c.Orchestrator.Stop()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
	logger.Debug("Components shut down.")
}

func (c *Components) onShutdown(fn func()) {
	c.closers = append(c.closers, fn)
}
