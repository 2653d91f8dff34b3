// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/activity"
	"github.com/sylvester1001/zat/internal/actuator"
	"github.com/sylvester1001/zat/internal/assets"
	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/config"
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
	"github.com/sylvester1001/zat/internal/sim"
	"github.com/sylvester1001/zat/internal/store"
)

// ComponentFactory builds the engine. Commands depend on this interface so
// they can be exercised against a prepared set of components.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// LoadGraph loads the scene graph and subject catalog from path, or from the
// embedded document when path is empty.
func LoadGraph(path string) (*scene.Graph, *catalog.Catalog, error) {
	if path == "" {
		g, err := scene.LoadBytes(assets.DefaultGraph)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load embedded scene graph: %w", err)
		}
		cat, err := catalog.LoadBytes(g, assets.DefaultGraph)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load embedded subject catalog: %w", err)
		}
		return g, cat, nil
	}
	g, err := scene.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	cat, err := catalog.LoadFile(g, path)
	if err != nil {
		return nil, nil, err
	}
	return g, cat, nil
}

// Create wires every component. On failure, anything already acquired is released.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	c := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			c.Shutdown()
		}
	}()

	// 1. Scene graph and catalog
	g, cat, err := LoadGraph(cfg.Graph().Path)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	c.Graph, c.Catalog = g, cat
	logger.Debug("Scene graph loaded.", zap.Int("nodes", g.Len()), zap.Int("subjects", len(cat.Subjects())))

	// 2. Device and perception
	var (
		dev     device.Device
		frames  perception.FrameSource
		matcher perception.Matcher
		texts   perception.TextFinder
	)
	if cfg.Sim().Enabled {
		s, err := sim.New(g, cat, cfg.Activity(), cfg.Sim(), logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create simulator: %w", err)
			return nil, initializationErr
		}
		c.Sim = s
		dev, frames, matcher, texts = s, s, s, s
		logger.Info("Using the built-in simulator.", zap.String("start", s.State()))
	} else {
		c.ADB = adb.New(cfg.Device(), logger)
		rec, err := remote.New(cfg.Perception(), logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create recognizer client: %w", err)
			return nil, initializationErr
		}
		c.Recognizer = rec
		c.onShutdown(rec.Close)

		c.Slot = &perception.Slot{}
		c.Pump = perception.NewPump(c.ADB, c.Slot, cfg.Capture(), logger)
		dev, frames, matcher, texts = c.ADB, c.Slot, rec, rec
		logger.Info("Using adb device.", zap.String("serial", cfg.Device().Serial))
	}
	dev = device.Humanize(dev, cfg.Device().Humanize)
	dev = device.Throttle(dev, cfg.Device().InputRate, cfg.Device().InputBurst)
	c.Device = dev

	// 3. Engine
	threshold := cfg.Perception().Threshold
	c.Actuator = actuator.New(dev, frames, matcher, texts, threshold, cfg.Navigator(), logger)
	c.Observer = observer.New(g, frames, matcher, texts, threshold, logger)
	c.Navigator = navigator.New(g, c.Observer, c.Actuator, cfg.Navigator(), logger)
	c.Monitor = activity.New(c.Actuator, cfg.Activity(), logger)
	if c.Sim != nil {
		c.Sim.SetLaunchScreen(cfg.Launcher().StartText)
		c.Launcher = launcher.New(c.Sim, c.Actuator, cfg.Launcher(), logger)
	} else {
		c.Launcher = launcher.New(c.ADB, c.Actuator, cfg.Launcher(), logger)
	}

	// 4. Metrics
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(c.Registry)
	if err != nil {
		initializationErr = fmt.Errorf("failed to register metrics: %w", err)
		return nil, initializationErr
	}
	c.Metrics = m
	c.Navigator.OnFailure(m.NavigationFailed)
	if c.Pump != nil {
		if err := metrics.RegisterCapture(c.Registry, c.Pump.Stats); err != nil {
			initializationErr = fmt.Errorf("failed to register capture metrics: %w", err)
			return nil, initializationErr
		}
	}

	// 5. Record sinks
	opts := []orchestrator.Option{
		orchestrator.WithSink(m),
		orchestrator.WithStateListener(m.ObserveState),
	}
	storeCfg := cfg.Store()
	if storeCfg.Postgres.Enabled {
		archive, closeArchive, err := store.Connect(ctx, storeCfg.Postgres.URL, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize run archive: %w", err)
			return nil, initializationErr
		}
		c.Archive = archive
		c.onShutdown(closeArchive)
		opts = append(opts, orchestrator.WithSink(archive))
		logger.Debug("Run archive initialized.")
	}
	if storeCfg.Redis.Enabled {
		mirror, err := store.DialMirror(ctx, storeCfg.Redis.Addr, storeCfg.Redis.Password, storeCfg.Redis.DB, storeCfg.Redis.Key, storeCfg.Redis.Size, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize history mirror: %w", err)
			return nil, initializationErr
		}
		c.Mirror = mirror
		c.onShutdown(func() { _ = mirror.Close() })
		opts = append(opts, orchestrator.WithSink(mirror))
		logger.Debug("History mirror initialized.")
	}

	// 6. Orchestrator
	orch, err := orchestrator.New(cfg.Orchestrator(), cat, c.Navigator, c.Monitor, c.Actuator, c.Observer, logger, opts...)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	c.Orchestrator = orch

	logger.Info("All components initialized successfully.")
	return c, nil
}
