// File: internal/navigator/navigator.go
// Package navigator plans shortest paths over the scene graph and walks them
// one observed step at a time.
package navigator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/actuator"
	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/scene"
)

// StateObserver reports the state currently shown on screen.
type StateObserver interface {
	Observe(ctx context.Context) string
}

// FailureHook is notified when a navigation request is abandoned. Errors and
// panics raised by hooks are logged and never reach the caller.
type FailureHook func(ctx context.Context, target string, reason Reason) error

// edgeHandler executes one edge action and reports whether it completed.
type edgeHandler func(ctx context.Context, e scene.Edge) (bool, error)

// Navigator drives the device towards a target state with a greedy,
// re-observe-every-step loop.
type Navigator struct {
	graph    *scene.Graph
	observer StateObserver
	act      *actuator.Actuator
	cfg      config.NavigatorConfig
	log      *zap.Logger
	handlers map[scene.ActionType]edgeHandler

	hooksMu sync.RWMutex
	hooks   []FailureHook
}

// New creates a navigator over g.
func New(g *scene.Graph, obs StateObserver, act *actuator.Actuator, cfg config.NavigatorConfig, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Navigator{
		graph:    g,
		observer: obs,
		act:      act,
		cfg:      cfg,
		log:      logger.Named("navigator"),
		handlers: make(map[scene.ActionType]edgeHandler),
	}
	n.registerHandlers()
	return n
}

func (n *Navigator) registerHandlers() {
	n.handlers[scene.ActionClick] = n.handleClick
	n.handlers[scene.ActionClickText] = n.handleClickText
	n.handlers[scene.ActionBack] = n.handleBack
	n.handlers[scene.ActionSwipe] = n.handleSwipe
}

// OnFailure registers a failure listener. Listeners run in registration order.
func (n *Navigator) OnFailure(h FailureHook) {
	n.hooksMu.Lock()
	n.hooks = append(n.hooks, h)
	n.hooksMu.Unlock()
}

// Graph returns the graph the navigator plans over.
func (n *Navigator) Graph() *scene.Graph { return n.graph }

// NavigateTo moves the device to target. It returns nil on arrival, *Error
// when navigation is abandoned, and a wrapped transport or context error when
// input delivery fails.
func (n *Navigator) NavigateTo(ctx context.Context, target string) error {
	if !n.graph.Has(target) {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	log := n.log.With(zap.String("target", target))

	inApp, err := n.checkAttached(ctx)
	if err != nil {
		return fmt.Errorf("navigate to %q: %w", target, err)
	}
	if !inApp {
		log.Error("No recognisable application screen; navigation not started")
		return n.fail(ctx, target, ReasonNotInGame)
	}

	var (
		last         string
		stuckCount   int
		unknownCount int
	)
	for step := 0; step < n.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		current := n.observer.Observe(ctx)
		if current == target {
			log.Info("Arrived", zap.Int("steps", step))
			return nil
		}

		if current == scene.Unknown {
			last, stuckCount = "", 0
			unknownCount++
			if unknownCount >= n.cfg.UnknownThreshold {
				log.Error("Screen unrecognised on consecutive observations", zap.Int("count", unknownCount))
				return n.fail(ctx, target, ReasonSceneUnrecognized)
			}
			if err := n.dismiss(ctx); err != nil {
				return fmt.Errorf("navigate to %q: %w", target, err)
			}
			continue
		}
		unknownCount = 0

		if current == last {
			stuckCount++
		} else {
			last, stuckCount = current, 1
		}
		if stuckCount >= n.cfg.StuckThreshold {
			log.Warn("Stuck on state; pressing back", zap.String("state", current), zap.Int("observations", stuckCount))
			stuckCount = 0
			if err := n.act.Device().PressBack(ctx); err != nil {
				return fmt.Errorf("navigate to %q: %w", target, err)
			}
			continue
		}

		path := FindPath(n.graph, current, target)
		if len(path) < 2 {
			log.Warn("No path to target", zap.String("state", current))
			if err := n.dismiss(ctx); err != nil {
				return fmt.Errorf("navigate to %q: %w", target, err)
			}
			continue
		}

		edge, _ := n.graph.Edge(current, path[1])
		log.Info("Executing transition",
			zap.String("from", current), zap.String("to", path[1]), zap.String("action", string(edge.Action)))
		if err := n.execute(ctx, edge); err != nil {
			return fmt.Errorf("navigate to %q: %w", target, err)
		}
	}

	log.Error("Step budget exhausted", zap.Int("max_steps", n.cfg.MaxSteps))
	if err := n.fallbackToHub(ctx); err != nil {
		return fmt.Errorf("navigate to %q: %w", target, err)
	}
	return n.fail(ctx, target, ReasonNavigationFailed)
}

// checkAttached verifies the application is attached and showing a known state.
func (n *Navigator) checkAttached(ctx context.Context) (bool, error) {
	attempts := n.cfg.AttachAttempts
	if attempts < 1 {
		attempts = 1
	}
	// The capture pipeline may still be producing its first frame; attempts
	// only start counting once there is something to observe.
	ready, err := n.act.WaitForFrame(ctx, n.cfg.FrameTimeout)
	if err != nil {
		return false, err
	}
	if !ready {
		n.log.Warn("No frame captured yet", zap.Duration("waited", n.cfg.FrameTimeout))
	}
	for i := 0; i < attempts; i++ {
		attached, err := n.act.Device().IsAttached(ctx)
		if err != nil {
			return false, err
		}
		if attached {
			if state := n.observer.Observe(ctx); state != scene.Unknown {
				n.log.Debug("Application attached", zap.String("state", state))
				return true, nil
			}
		}
		if i < attempts-1 {
			if err := n.act.Sleep(ctx, n.cfg.AttachRetryDelay); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// dismiss tries to clear an overlay: the first visible dismiss probe is
// tapped, otherwise the hardware back key is pressed.
func (n *Navigator) dismiss(ctx context.Context) error {
	for _, probe := range n.cfg.DismissProbes {
		clicked, err := n.act.ClickProbeIfPresent(ctx, probe)
		if err != nil {
			return err
		}
		if clicked {
			n.log.Debug("Dismissed overlay", zap.String("probe", probe))
			return n.act.Sleep(ctx, n.cfg.DismissDelay)
		}
	}
	if err := n.act.Device().PressBack(ctx); err != nil {
		return err
	}
	return n.act.Sleep(ctx, n.cfg.DismissDelay)
}

// execute performs one edge: optional pre-scroll, the action, then the edge's
// settle time if the action completed.
func (n *Navigator) execute(ctx context.Context, e scene.Edge) error {
	if e.Scroll != scene.ScrollNone {
		if err := n.act.Scroll(ctx, e.Scroll, scrollDistance(e)); err != nil {
			return err
		}
		if err := n.act.Sleep(ctx, n.cfg.ScrollSettle); err != nil {
			return err
		}
	}

	handler, ok := n.handlers[e.Action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", scene.ErrInvalidEdge, e.Action)
	}
	done, err := handler(ctx, e)
	if err != nil {
		return err
	}
	if !done {
		n.log.Warn("Transition action did not complete", zap.String("to", e.Target), zap.String("action", string(e.Action)))
		return nil
	}
	return n.act.Sleep(ctx, e.Wait)
}

func (n *Navigator) handleClick(ctx context.Context, e scene.Edge) (bool, error) {
	return n.act.ClickProbe(ctx, e.Probe, n.cfg.ClickTimeout)
}

func (n *Navigator) handleClickText(ctx context.Context, e scene.Edge) (bool, error) {
	return n.act.ClickText(ctx, e.Text, nil, n.cfg.TextTimeout)
}

func (n *Navigator) handleBack(ctx context.Context, e scene.Edge) (bool, error) {
	if e.Probe != "" {
		return n.act.ClickProbe(ctx, e.Probe, n.cfg.ClickTimeout)
	}
	if err := n.act.Device().PressBack(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (n *Navigator) handleSwipe(ctx context.Context, e scene.Edge) (bool, error) {
	dir := e.Scroll
	if dir == scene.ScrollNone {
		dir = scene.ScrollDown
	}
	if err := n.act.Scroll(ctx, dir, scrollDistance(e)); err != nil {
		return false, err
	}
	return true, nil
}

func scrollDistance(e scene.Edge) int {
	if e.ScrollDistance > 0 {
		return e.ScrollDistance
	}
	return scene.DefaultScrollDistance
}

// fallbackToHub makes a bounded attempt to return to the hub state.
func (n *Navigator) fallbackToHub(ctx context.Context) error {
	hub := n.graph.Hub()
	if hub == "" {
		return nil
	}
	for i := 0; i < n.cfg.FallbackAttempts; i++ {
		if n.observer.Observe(ctx) == hub {
			n.log.Info("Returned to hub", zap.String("hub", hub))
			return nil
		}
		clicked, err := n.act.ClickProbeIfPresent(ctx, n.graph.HubProbe())
		if err != nil {
			return err
		}
		if clicked {
			if err := n.act.Sleep(ctx, n.cfg.FallbackTapDelay); err != nil {
				return err
			}
			continue
		}
		if err := n.act.Device().PressBack(ctx); err != nil {
			return err
		}
		if err := n.act.Sleep(ctx, n.cfg.FallbackBackDelay); err != nil {
			return err
		}
	}
	n.log.Warn("Could not return to hub", zap.String("hub", hub))
	return nil
}

// fail notifies the failure hooks and returns the navigation error.
func (n *Navigator) fail(ctx context.Context, target string, reason Reason) error {
	n.hooksMu.RLock()
	hooks := append([]FailureHook(nil), n.hooks...)
	n.hooksMu.RUnlock()

	for _, h := range hooks {
		n.runHook(ctx, h, target, reason)
	}
	return &Error{Target: target, Reason: reason}
}

func (n *Navigator) runHook(ctx context.Context, h FailureHook, target string, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("Recovered from panic in navigation failure hook", zap.Any("panic", r))
		}
	}()
	if err := h(ctx, target, reason); err != nil {
		n.log.Error("Navigation failure hook returned an error", zap.Error(err))
	}
}
