package navigator

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sylvester1001/zat/internal/actuator"
	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/mocks"
	stateobserver "github.com/sylvester1001/zat/internal/observer"
	"github.com/sylvester1001/zat/internal/perception"
	"github.com/sylvester1001/zat/internal/scene"
)

func fastNavigatorConfig() config.NavigatorConfig {
	return config.NavigatorConfig{
		MaxSteps:          20,
		StuckThreshold:    3,
		UnknownThreshold:  5,
		AttachAttempts:    3,
		AttachRetryDelay:  time.Millisecond,
		FallbackAttempts:  5,
		FallbackTapDelay:  time.Millisecond,
		FallbackBackDelay: time.Millisecond,
		DismissProbes:     []string{"close", "back"},
		DismissDelay:      time.Millisecond,
		ScrollSettle:      time.Millisecond,
		ScrollDuration:    300 * time.Millisecond,
		ScrollWait:        time.Millisecond,
		ClickTimeout:      5 * time.Millisecond,
		ClickInterval:     time.Millisecond,
		TextTimeout:       5 * time.Millisecond,
		TextInterval:      time.Millisecond,
	}
}

// chainGraph builds home -> note -> list -> leafA with click edges named after
// their targets, plus back edges along the chain.
func chainGraph(t *testing.T) *scene.Graph {
	t.Helper()
	b := scene.NewBuilder()
	b.SetHub("home", "home")
	require.NoError(t, b.Register(scene.Node{ID: "home", Fingerprint: "home",
		Edges: []scene.Edge{{Target: "note", Action: scene.ActionClick, Probe: "note_tab"}}}))
	require.NoError(t, b.Register(scene.Node{ID: "note", Fingerprint: "note", BackTo: "home",
		Edges: []scene.Edge{{Target: "list", Action: scene.ActionClick, Probe: "list_entry"}}}))
	require.NoError(t, b.Register(scene.Node{ID: "list", Fingerprint: "list", BackTo: "note", BackProbe: "back",
		Edges: []scene.Edge{{Target: "leafA", Action: scene.ActionClick, Probe: "leaf_a"}}}))
	require.NoError(t, b.Register(scene.Node{ID: "leafA", Fingerprint: "leafA", BackTo: "list"}))
	require.NoError(t, b.Register(scene.Node{ID: "island", Fingerprint: "island"}))
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

type harness struct {
	nav    *Navigator
	dev    *mocks.Device
	screen *mocks.Screen
	obs    *mocks.ScriptedObserver
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, g *scene.Graph, cfg config.NavigatorConfig, states ...string) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	dev := mocks.NewDevice()
	screen := mocks.NewScreen(1280, 720)
	obs := mocks.NewScriptedObserver(states...)
	act := actuator.New(dev, screen, screen, screen, 0.7, cfg, logger)
	return &harness{
		nav:    New(g, obs, act, cfg, logger),
		dev:    dev,
		screen: screen,
		obs:    obs,
		logs:   logs,
	}
}

type hookCall struct {
	target string
	reason Reason
}

func (h *harness) recordFailures() *[]hookCall {
	calls := &[]hookCall{}
	h.nav.OnFailure(func(ctx context.Context, target string, reason Reason) error {
		*calls = append(*calls, hookCall{target, reason})
		return nil
	})
	return calls
}

func TestNavigateToScenarioChain(t *testing.T) {
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), "home", "note", "note", "list", "leafA")
	h.screen.Show("note_tab", 100, 650, 0.9)
	h.screen.Show("list_entry", 300, 200, 0.9)
	h.screen.Show("leaf_a", 500, 400, 0.9)
	failures := h.recordFailures()

	require.NoError(t, h.nav.NavigateTo(context.Background(), "leafA"))

	assert.Equal(t, []string{"tap 300,200", "tap 300,200", "tap 500,400"}, h.dev.Events())
	assert.Equal(t, 3, h.logs.FilterMessage("Executing transition").Len())
	assert.Empty(t, *failures)
}

func TestNavigateToAlreadyThere(t *testing.T) {
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), "leafA")
	require.NoError(t, h.nav.NavigateTo(context.Background(), "leafA"))
	assert.Empty(t, h.dev.Events())
	assert.Equal(t, 2, h.obs.Calls(), "precondition plus one loop observation")
}

func TestNavigateToStuckPressesBackOnce(t *testing.T) {
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), "home", "note", "note", "note", "list", "leafA")
	h.screen.SetAllVisible(true)

	require.NoError(t, h.nav.NavigateTo(context.Background(), "leafA"))

	assert.Equal(t, 1, h.dev.Count("back"))
	assert.Equal(t, 3, h.dev.Count("tap "))
	assert.Equal(t, 1, h.logs.FilterMessage("Stuck on state; pressing back").Len())
}

func TestNavigateToUnknownEscalation(t *testing.T) {
	states := []string{"home", scene.Unknown, scene.Unknown, scene.Unknown, scene.Unknown, scene.Unknown}
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), states...)
	failures := h.recordFailures()

	err := h.nav.NavigateTo(context.Background(), "leafA")

	var navErr *Error
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, ReasonSceneUnrecognized, navErr.Reason)
	assert.Equal(t, "leafA", navErr.Target)
	assert.Equal(t, []hookCall{{"leafA", ReasonSceneUnrecognized}}, *failures)
	assert.Equal(t, 4, h.dev.Count("back"), "one dismiss attempt per unknown before escalation")
	assert.Equal(t, 0, h.dev.Count("tap "), "no hub fallback on unrecognised screens")
}

func TestNavigateToUnknownCounterResets(t *testing.T) {
	states := []string{"home", scene.Unknown, scene.Unknown, scene.Unknown, scene.Unknown, "list",
		scene.Unknown, scene.Unknown, "leafA"}
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), states...)
	h.screen.SetAllVisible(true)
	require.NoError(t, h.nav.NavigateTo(context.Background(), "leafA"))
}

func TestNavigateToDismissPrefersVisibleProbe(t *testing.T) {
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), "home", scene.Unknown, "leafA")
	h.screen.Show("close", 1250, 30, 0.95)
	require.NoError(t, h.nav.NavigateTo(context.Background(), "leafA"))
	assert.Equal(t, []string{"tap 1250,30"}, h.dev.Events())
}

func TestNavigateToNotInGame(t *testing.T) {
	t.Run("no known state", func(t *testing.T) {
		h := newHarness(t, chainGraph(t), fastNavigatorConfig(), scene.Unknown)
		failures := h.recordFailures()

		err := h.nav.NavigateTo(context.Background(), "leafA")
		reason, ok := ReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, ReasonNotInGame, reason)
		assert.Equal(t, 3, h.obs.Calls())
		assert.Empty(t, h.dev.Events(), "no step is executed")
		assert.Len(t, *failures, 1)
	})

	t.Run("application not attached", func(t *testing.T) {
		h := newHarness(t, chainGraph(t), fastNavigatorConfig(), "home")
		h.dev.SetAttached(false)
		err := h.nav.NavigateTo(context.Background(), "leafA")
		reason, _ := ReasonOf(err)
		assert.Equal(t, ReasonNotInGame, reason)
		assert.Equal(t, 0, h.obs.Calls())
	})
}

// slowCapturer returns a blank frame after delay, like a first adb screencap.
type slowCapturer struct {
	delay time.Duration
}

func (c slowCapturer) Capture(ctx context.Context) (perception.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.delay):
		return image.NewGray(image.Rect(0, 0, 1280, 720)), nil
	}
}

func TestNavigateToWaitsForFirstFrame(t *testing.T) {
	g := chainGraph(t)
	screen := mocks.NewScreen(1280, 720)
	screen.Show("home", 640, 40, 0.9)

	newNavigator := func(cfg config.NavigatorConfig, slot *perception.Slot, logger *zap.Logger) (*Navigator, *mocks.Device) {
		dev := mocks.NewDevice()
		act := actuator.New(dev, slot, screen, nil, 0.7, cfg, logger)
		obs := stateobserver.New(g, slot, screen, nil, 0.7, logger)
		return New(g, obs, act, cfg, logger), dev
	}

	t.Run("precondition starts after the first capture", func(t *testing.T) {
		cfg := fastNavigatorConfig()
		cfg.FrameTimeout = 5 * time.Second
		slot := &perception.Slot{}
		nav, dev := newNavigator(cfg, slot, zap.NewNop())
		pump := perception.NewPump(slowCapturer{delay: 50 * time.Millisecond}, slot,
			config.CaptureConfig{Interval: 10 * time.Millisecond}, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- pump.Run(ctx) }()
		defer func() {
			cancel()
			require.NoError(t, <-done)
		}()

		require.NoError(t, nav.NavigateTo(context.Background(), "home"))
		assert.Empty(t, dev.Events(), "no recovery input on a healthy screen")
		assert.NotZero(t, slot.Seq())
	})

	t.Run("no frame within the timeout", func(t *testing.T) {
		cfg := fastNavigatorConfig()
		cfg.FrameTimeout = 10 * time.Millisecond
		core, logs := observer.New(zapcore.WarnLevel)
		nav, dev := newNavigator(cfg, &perception.Slot{}, zap.New(core))

		err := nav.NavigateTo(context.Background(), "home")
		reason, ok := ReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, ReasonNotInGame, reason)
		assert.Empty(t, dev.Events())
		assert.Equal(t, 1, logs.FilterMessage("No frame captured yet").Len())
	})
}

func TestNavigateToBudgetExhaustedFallsBackToHub(t *testing.T) {
	cfg := fastNavigatorConfig()
	cfg.MaxSteps = 4
	// island has no path to leafA; each step is a dismiss attempt.
	h := newHarness(t, chainGraph(t), cfg, "island", "island", "note", "home")
	h.screen.Show("home", 60, 680, 0.9)
	failures := h.recordFailures()

	err := h.nav.NavigateTo(context.Background(), "leafA")

	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonNavigationFailed, reason)
	assert.Equal(t, []hookCall{{"leafA", ReasonNavigationFailed}}, *failures)
	assert.Equal(t, 1, h.logs.FilterMessage("Returned to hub").Len())
	assert.Equal(t, 1, h.logs.FilterMessage("Step budget exhausted").Len())
}

func TestNavigateToFallbackGivesUp(t *testing.T) {
	cfg := fastNavigatorConfig()
	cfg.MaxSteps = 1
	cfg.FallbackAttempts = 2
	h := newHarness(t, chainGraph(t), cfg, "island")

	err := h.nav.NavigateTo(context.Background(), "leafA")
	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonNavigationFailed, reason)
	// One dismiss back, then two fallback backs.
	assert.Equal(t, 3, h.dev.Count("back"))
	assert.Equal(t, 1, h.logs.FilterMessage("Could not return to hub").Len())
}

func TestNavigateToTransportErrorPropagates(t *testing.T) {
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), "home", "home")
	h.screen.SetAllVisible(true)
	cause := errors.New("device offline")
	h.dev.FailWith(cause)
	failures := h.recordFailures()

	err := h.nav.NavigateTo(context.Background(), "leafA")
	require.ErrorIs(t, err, cause)
	_, isNav := ReasonOf(err)
	assert.False(t, isNav)
	assert.Empty(t, *failures)
}

func TestNavigateToUnknownTarget(t *testing.T) {
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), "home")
	err := h.nav.NavigateTo(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.Equal(t, 0, h.obs.Calls())
}

func TestNavigateToCancelled(t *testing.T) {
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), "home")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.nav.NavigateTo(ctx, "leafA")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailureHooksAreIsolated(t *testing.T) {
	h := newHarness(t, chainGraph(t), fastNavigatorConfig(), scene.Unknown)
	h.nav.OnFailure(func(ctx context.Context, target string, reason Reason) error {
		panic("listener bug")
	})
	h.nav.OnFailure(func(ctx context.Context, target string, reason Reason) error {
		return errors.New("listener failed")
	})
	failures := h.recordFailures()

	err := h.nav.NavigateTo(context.Background(), "leafA")
	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonNotInGame, reason)
	assert.Len(t, *failures, 1, "later listeners still run")
	assert.Equal(t, 1, h.logs.FilterMessage("Recovered from panic in navigation failure hook").Len())
	assert.Equal(t, 1, h.logs.FilterMessage("Navigation failure hook returned an error").Len())
}

func TestExecuteEdgeActions(t *testing.T) {
	g := chainGraph(t)
	cfg := fastNavigatorConfig()

	t.Run("scroll before click", func(t *testing.T) {
		h := newHarness(t, g, cfg)
		h.screen.Show("p", 10, 20, 0.9)
		e := scene.Edge{Target: "list", Action: scene.ActionClick, Probe: "p", Scroll: scene.ScrollDown, ScrollDistance: 500}
		require.NoError(t, h.nav.execute(context.Background(), e))
		assert.Equal(t, []string{"swipe 640,360->640,860", "tap 10,20"}, h.dev.Events())
	})

	t.Run("click text", func(t *testing.T) {
		h := newHarness(t, g, cfg)
		h.screen.ShowText("日常副本", 200, 300)
		e := scene.Edge{Target: "list", Action: scene.ActionClickText, Text: "日常副本"}
		require.NoError(t, h.nav.execute(context.Background(), e))
		assert.Equal(t, []string{"tap 200,300"}, h.dev.Events())
	})

	t.Run("back with probe", func(t *testing.T) {
		h := newHarness(t, g, cfg)
		h.screen.Show("back", 30, 30, 0.9)
		e := scene.Edge{Target: "note", Action: scene.ActionBack, Probe: "back"}
		require.NoError(t, h.nav.execute(context.Background(), e))
		assert.Equal(t, []string{"tap 30,30"}, h.dev.Events())
	})

	t.Run("hardware back", func(t *testing.T) {
		h := newHarness(t, g, cfg)
		e := scene.Edge{Target: "note", Action: scene.ActionBack}
		require.NoError(t, h.nav.execute(context.Background(), e))
		assert.Equal(t, []string{"back"}, h.dev.Events())
	})

	t.Run("swipe defaults to down", func(t *testing.T) {
		h := newHarness(t, g, cfg)
		e := scene.Edge{Target: "note", Action: scene.ActionSwipe}
		require.NoError(t, h.nav.execute(context.Background(), e))
		assert.Equal(t, []string{"swipe 640,360->640,860"}, h.dev.Events())
	})

	t.Run("missing probe completes without error", func(t *testing.T) {
		h := newHarness(t, g, cfg)
		e := scene.Edge{Target: "list", Action: scene.ActionClick, Probe: "absent", Wait: time.Hour}
		require.NoError(t, h.nav.execute(context.Background(), e))
		assert.Empty(t, h.dev.Events())
		assert.Equal(t, 1, h.logs.FilterMessage("Transition action did not complete").Len())
	})
}

func TestReasonMessage(t *testing.T) {
	for _, r := range []Reason{ReasonNotInGame, ReasonSceneUnrecognized, ReasonNavigationFailed} {
		assert.NotEqual(t, string(r), r.Message())
	}
	assert.Equal(t, "custom", Reason("custom").Message())

	err := &Error{Target: "leafA", Reason: ReasonNavigationFailed}
	assert.Contains(t, err.Error(), "navigation_failed")
	assert.Contains(t, err.Error(), `"leafA"`)
}
