package sim

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/assets"
	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/scene"
)

func defaultSim(t *testing.T, mutate func(*config.SimConfig)) *Sim {
	t.Helper()
	g, err := scene.LoadBytes(assets.DefaultGraph)
	require.NoError(t, err)
	cat, err := catalog.LoadBytes(g, assets.DefaultGraph)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	simCfg := cfg.SimCfg
	if mutate != nil {
		mutate(&simCfg)
	}
	s, err := New(g, cat, cfg.ActivityCfg, simCfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

// tapProbe taps the probe if it is currently visible.
func tapProbe(t *testing.T, s *Sim, probe string) {
	t.Helper()
	m, ok := s.MatchTemplate(s.LatestFrame(), probe, 0.7)
	require.True(t, ok, "probe %q not visible on %q", probe, s.State())
	require.NoError(t, s.Tap(context.Background(), m.X, m.Y))
}

func TestFingerprintOutranksButtons(t *testing.T) {
	s := defaultSim(t, nil)
	frame := s.LatestFrame()

	own, ok := s.MatchTemplate(frame, "home", 0.7)
	require.True(t, ok)
	button, ok := s.MatchTemplate(frame, "note", 0.7)
	require.True(t, ok)
	assert.Greater(t, own.Confidence, button.Confidence)

	_, ok = s.MatchTemplate(frame, "dungeon_list", 0.7)
	assert.False(t, ok)
	_, ok = s.MatchTemplate(nil, "home", 0.7)
	assert.False(t, ok)
}

func TestTapsFollowEdges(t *testing.T) {
	s := defaultSim(t, nil)
	tapProbe(t, s, "note")
	assert.Equal(t, "note", s.State())
	tapProbe(t, s, "daily_dungeon/daily_dungeon")
	assert.Equal(t, "dungeon_list", s.State())

	require.NoError(t, s.PressBack(context.Background()))
	assert.Equal(t, "note", s.State())

	require.NoError(t, s.Tap(context.Background(), 5000, 5000))
	assert.Equal(t, "note", s.State(), "a tap on empty space changes nothing")
	assert.Equal(t, 3, s.Taps())
}

func TestScrollRevealsEdgeProbes(t *testing.T) {
	s := defaultSim(t, func(c *config.SimConfig) { c.Start = "dungeon_list" })
	_, ok := s.MatchTemplate(s.LatestFrame(), "daily_dungeon/world_tree", 0.7)
	require.False(t, ok)

	require.NoError(t, s.Swipe(context.Background(), 640, 360, 640, 860, 0))
	tapProbe(t, s, "daily_dungeon/world_tree")
	assert.Equal(t, "dungeon:world_tree", s.State())

	_, ok = s.MatchTemplate(s.LatestFrame(), "daily_dungeon/world_tree", 0.7)
	assert.False(t, ok, "scroll position resets on transition")
}

func TestHubProbeReturnsHome(t *testing.T) {
	s := defaultSim(t, func(c *config.SimConfig) { c.Start = "sacred_trial" })
	tapProbe(t, s, "home")
	assert.Equal(t, "home", s.State())
}

func TestActivityOverlay(t *testing.T) {
	s := defaultSim(t, func(c *config.SimConfig) {
		c.Start = "dungeon:world_tree"
		c.Rank = "B"
	})
	_, ok := s.MatchTemplate(s.LatestFrame(), "daily_dungeon/difficulty/normal_selected", 0.7)
	assert.True(t, ok, "the first variant starts selected")

	tapProbe(t, s, "daily_dungeon/difficulty/hard")
	_, ok = s.MatchTemplate(s.LatestFrame(), "daily_dungeon/difficulty/hard_selected", 0.7)
	assert.True(t, ok)

	tapProbe(t, s, "daily_dungeon/match")
	_, ok = s.MatchTemplate(s.LatestFrame(), "world_tree", 0.7)
	assert.False(t, ok, "the overlay hides the state")

	require.NoError(t, s.PressBack(context.Background()))
	tapProbe(t, s, "daily_dungeon/accept")
	tapProbe(t, s, "daily_dungeon/ready")
	m, ok := s.MatchTemplate(s.LatestFrame(), "daily_dungeon/level/b", 0.7)
	require.True(t, ok)
	assert.Equal(t, 0.95, m.Confidence)

	tapProbe(t, s, "back")
	assert.Equal(t, "dungeon:world_tree", s.State())
	_, ok = s.MatchTemplate(s.LatestFrame(), "world_tree", 0.7)
	assert.True(t, ok)
}

func TestTextCuesAndRegions(t *testing.T) {
	s := defaultSim(t, func(c *config.SimConfig) { c.Start = "dungeon_list" })
	frame := s.LatestFrame()

	m, ok := s.FindText(frame, "日常副本", nil)
	require.True(t, ok)
	_, ok = s.FindText(frame, "日常副本", &image.Rectangle{Min: image.Pt(m.X+10, m.Y+10), Max: image.Pt(m.X+20, m.Y+20)})
	assert.False(t, ok)
	_, ok = s.FindText(frame, "nothing here", nil)
	assert.False(t, ok)
}

func TestMissRateIsDeterministic(t *testing.T) {
	count := func() int {
		s := defaultSim(t, func(c *config.SimConfig) {
			c.MissRate = 0.5
			c.Seed = 42
		})
		hits := 0
		for i := 0; i < 200; i++ {
			if _, ok := s.MatchTemplate(s.LatestFrame(), "home", 0.7); ok {
				hits++
			}
		}
		return hits
	}
	first := count()
	assert.Equal(t, first, count())
	assert.InDelta(t, 100, first, 40)
}

func TestAttachmentAndCapture(t *testing.T) {
	s := defaultSim(t, nil)
	ctx := context.Background()

	ok, err := s.IsAttached(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	s.SetAttached(false)
	ok, _ = s.IsAttached(ctx)
	assert.False(t, ok)

	f, err := s.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 1280, 720), f.Bounds())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Capture(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Tap(cancelled, 1, 1), context.Canceled)
}

func TestNewValidation(t *testing.T) {
	g, err := scene.LoadBytes(assets.DefaultGraph)
	require.NoError(t, err)
	cfg := config.NewDefaultConfig()

	bad := cfg.SimCfg
	bad.Start = "nowhere"
	_, err = New(g, nil, cfg.ActivityCfg, bad, nil)
	assert.Error(t, err)

	bad = cfg.SimCfg
	bad.Rank = "SSS"
	_, err = New(g, nil, cfg.ActivityCfg, bad, nil)
	assert.Error(t, err)

	bad = cfg.SimCfg
	bad.Width, bad.Height = 64, 48
	_, err = New(g, nil, cfg.ActivityCfg, bad, nil)
	assert.ErrorContains(t, err, "too small")

	require.Error(t, (&Sim{graph: g}).SetState("nowhere"))
}

func TestLaunchScreen(t *testing.T) {
	s := defaultSim(t, func(c *config.SimConfig) { c.Start = "dungeon_list" })
	ctx := context.Background()
	const text = "点击任意处开始游戏"
	s.SetLaunchScreen(text)

	require.NoError(t, s.StopApp(ctx))
	attached, err := s.IsAttached(ctx)
	require.NoError(t, err)
	assert.False(t, attached)

	require.NoError(t, s.StartApp(ctx))
	attached, _ = s.IsAttached(ctx)
	assert.True(t, attached)
	_, ok := s.MatchTemplate(s.LatestFrame(), "home", 0.7)
	assert.False(t, ok, "the start screen hides the hub")

	top := image.Rect(0, 0, 1280, 540)
	_, ok = s.FindText(s.LatestFrame(), text, &top)
	assert.False(t, ok)
	bottom := image.Rect(0, 540, 1280, 720)
	m, ok := s.FindText(s.LatestFrame(), text, &bottom)
	require.True(t, ok)

	require.NoError(t, s.Tap(ctx, m.X, m.Y))
	assert.Equal(t, "home", s.State())
	_, ok = s.MatchTemplate(s.LatestFrame(), "home", 0.7)
	assert.True(t, ok)
}
