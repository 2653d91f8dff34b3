// File: internal/sim/sim.go
// Package sim is a deterministic stand-in for the device and the recognition
// stack. It walks a scene graph in response to input events and answers probe
// and text lookups from the simulated screen, so the whole engine can be
// exercised without hardware.
package sim

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/device"
	"github.com/sylvester1001/zat/internal/perception"
	"github.com/sylvester1001/zat/internal/scene"
)

const (
	cellW      = 64
	cellH      = 48
	hitRadius  = 24
	ownConf    = 0.95
	buttonConf = 0.85
	textPrefix = "text:"
)

// overlay is an activity screen drawn over the current state.
type overlay int

const (
	overlayNone overlay = iota
	overlayAccept
	overlayReady
	overlayResult
	overlayLaunch
)

var (
	_ device.Device          = (*Sim)(nil)
	_ perception.FrameSource = (*Sim)(nil)
	_ perception.Matcher     = (*Sim)(nil)
	_ perception.TextFinder  = (*Sim)(nil)
	_ perception.Capturer    = (*Sim)(nil)
)

// Sim simulates the managed application.
type Sim struct {
	graph    *scene.Graph
	activity config.ActivityConfig
	cfg      config.SimConfig
	log      *zap.Logger
	frame    *image.Gray

	subjects  map[string]catalog.Subject // by target state
	rankProbe string
	layout    map[string]image.Point

	mu       sync.Mutex
	rng      *rand.Rand
	state    string
	attached bool
	overlay  overlay
	scrolled scene.Direction
	selected map[string]string // target state -> variant id
	taps     int
	launch   string // start screen text key, empty when unset
}

// New builds a simulator over g. Subjects in cat expose their variant, start
// and exit controls on their target state.
func New(g *scene.Graph, cat *catalog.Catalog, act config.ActivityConfig, cfg config.SimConfig, logger *zap.Logger) (*Sim, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("sim screen size must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	start := cfg.Start
	if start == "" {
		start = g.Hub()
	}
	if !g.Has(start) {
		return nil, fmt.Errorf("sim start state %q is not registered", start)
	}

	s := &Sim{
		graph:    g,
		activity: act,
		cfg:      cfg,
		log:      logger.Named("sim"),
		frame:    image.NewGray(image.Rect(0, 0, cfg.Width, cfg.Height)),
		subjects: make(map[string]catalog.Subject),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		state:    start,
		attached: true,
		selected: make(map[string]string),
	}
	for _, rp := range act.Ranks {
		if rp.Rank == cfg.Rank {
			s.rankProbe = rp.Probe
		}
	}
	if s.rankProbe == "" {
		return nil, fmt.Errorf("sim rank %q has no configured probe", cfg.Rank)
	}
	if cat != nil {
		for _, sub := range cat.Subjects() {
			s.subjects[sub.Target] = sub
			if len(sub.Variants) > 0 {
				s.selected[sub.Target] = sub.Variants[0].ID
			}
		}
	}
	if err := s.buildLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

// buildLayout gives every probe and text a fixed, non-overlapping grid cell.
func (s *Sim) buildLayout() error {
	names := map[string]struct{}{}
	add := func(n string) {
		if n != "" {
			names[n] = struct{}{}
		}
	}
	add(s.graph.HubProbe())
	for _, n := range s.graph.Nodes() {
		add(n.Fingerprint)
		add(n.BackProbe)
		for _, cue := range n.TextCues {
			add(textPrefix + cue)
		}
		for _, e := range n.Edges {
			add(e.Probe)
			if e.Text != "" {
				add(textPrefix + e.Text)
			}
		}
	}
	for _, sub := range s.subjects {
		add(sub.StartProbe)
		add(sub.ExitProbe)
		for _, v := range sub.Variants {
			add(v.Probe)
			add(v.SelectedProbe)
		}
	}
	add(s.activity.AcceptProbe)
	add(s.activity.ReadyProbe)
	for _, rp := range s.activity.Ranks {
		add(rp.Probe)
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	cols, rows := s.cfg.Width/cellW, s.cfg.Height/cellH
	if len(sorted) > cols*rows {
		return fmt.Errorf("sim screen %dx%d is too small for %d controls", s.cfg.Width, s.cfg.Height, len(sorted))
	}
	s.layout = make(map[string]image.Point, len(sorted))
	for i, n := range sorted {
		s.layout[n] = image.Pt((i%cols)*cellW+cellW/2, (i/cols)*cellH+cellH/2)
	}
	return nil
}

// -- Simulator controls --

// State returns the simulated current state.
func (s *Sim) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState jumps to id and clears any overlay.
func (s *Sim) SetState(id string) error {
	if !s.graph.Has(id) {
		return fmt.Errorf("state %q is not registered", id)
	}
	s.mu.Lock()
	s.state, s.overlay, s.scrolled = id, overlayNone, scene.ScrollNone
	s.mu.Unlock()
	return nil
}

// SetAttached changes what IsAttached reports.
func (s *Sim) SetAttached(b bool) {
	s.mu.Lock()
	s.attached = b
	s.mu.Unlock()
}

// Taps returns the number of taps received.
func (s *Sim) Taps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taps
}

// SetLaunchScreen sets the text shown, near the bottom edge, on the start
// screen that StartApp brings up. Tapping it enters the hub.
func (s *Sim) SetLaunchScreen(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		s.launch = ""
		return
	}
	s.launch = textPrefix + text
	s.layout[s.launch] = image.Pt(s.cfg.Width/2, s.cfg.Height*7/8)
}

// StartApp attaches the application. With a launch screen set it shows that
// screen; otherwise the hub is shown directly.
func (s *Sim) StartApp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = true
	s.moveLocked(s.graph.Hub())
	s.overlay = overlayNone
	if s.launch != "" {
		s.overlay = overlayLaunch
	}
	return nil
}

// StopApp detaches the application.
func (s *Sim) StopApp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached, s.overlay = false, overlayNone
	return nil
}

// -- device.Device --

func (s *Sim) Tap(ctx context.Context, x, y int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taps++

	pt := image.Pt(x, y)
	for name := range s.visibleLocked() {
		if within(pt, s.layout[name]) {
			s.pressLocked(name)
			return nil
		}
	}
	s.log.Debug("Tap hit nothing", zap.Int("x", x), zap.Int("y", y), zap.String("state", s.state))
	return nil
}

func (s *Sim) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case y2 > y1:
		s.scrolled = scene.ScrollDown
	case y2 < y1:
		s.scrolled = scene.ScrollUp
	}
	return nil
}

func (s *Sim) PressBack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.overlay {
	case overlayResult:
		s.overlay = overlayNone
	case overlayNone:
		if n, ok := s.graph.Node(s.state); ok && n.BackTo != "" {
			s.moveLocked(n.BackTo)
		}
	}
	return nil
}

func (s *Sim) IsAttached(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached, nil
}

// -- perception --

func (s *Sim) LatestFrame() perception.Frame {
	return s.frame
}

// Capture returns the simulated frame, so the sim can feed a capture pump.
func (s *Sim) Capture(ctx context.Context) (perception.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.frame, nil
}

func (s *Sim) MatchTemplate(frame perception.Frame, probe string, threshold float64) (perception.Match, bool) {
	if frame == nil {
		return perception.Match{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.visibleLocked()[probe]
	if !ok || conf < threshold || s.missLocked() {
		return perception.Match{}, false
	}
	p := s.layout[probe]
	return perception.Match{X: p.X, Y: p.Y, Confidence: conf}, true
}

func (s *Sim) FindText(frame perception.Frame, text string, region *image.Rectangle) (perception.Match, bool) {
	if frame == nil {
		return perception.Match{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := textPrefix + text
	if _, ok := s.visibleLocked()[key]; !ok || s.missLocked() {
		return perception.Match{}, false
	}
	p := s.layout[key]
	if region != nil && !p.In(*region) {
		return perception.Match{}, false
	}
	return perception.Match{X: p.X, Y: p.Y, Confidence: ownConf}, true
}

// -- internals --

func (s *Sim) missLocked() bool {
	return s.cfg.MissRate > 0 && s.rng.Float64() < s.cfg.MissRate
}

// visibleLocked returns the controls on screen with their match confidence.
func (s *Sim) visibleLocked() map[string]float64 {
	v := make(map[string]float64)
	switch s.overlay {
	case overlayAccept:
		v[s.activity.AcceptProbe] = buttonConf
		return v
	case overlayReady:
		v[s.activity.ReadyProbe] = buttonConf
		return v
	case overlayResult:
		v[s.rankProbe] = ownConf
		if sub, ok := s.subjects[s.state]; ok && sub.ExitProbe != "" {
			v[sub.ExitProbe] = buttonConf
		}
		return v
	case overlayLaunch:
		v[s.launch] = ownConf
		return v
	}

	n, ok := s.graph.Node(s.state)
	if !ok {
		return v
	}
	if hp := s.graph.HubProbe(); hp != "" {
		v[hp] = buttonConf
	}
	if n.BackProbe != "" {
		v[n.BackProbe] = buttonConf
	}
	for _, e := range n.Edges {
		if e.Scroll != scene.ScrollNone && e.Scroll != s.scrolled {
			continue
		}
		if e.Probe != "" {
			v[e.Probe] = buttonConf
		}
		if e.Text != "" {
			v[textPrefix+e.Text] = ownConf
		}
	}
	for _, cue := range n.TextCues {
		v[textPrefix+cue] = ownConf
	}
	if sub, ok := s.subjects[s.state]; ok {
		v[sub.StartProbe] = buttonConf
		for _, variant := range sub.Variants {
			v[variant.Probe] = buttonConf
			if s.selected[s.state] == variant.ID && variant.SelectedProbe != "" {
				v[variant.SelectedProbe] = buttonConf
			}
		}
	}
	// The state's own fingerprint outranks identical button templates.
	if n.Fingerprint != "" {
		v[n.Fingerprint] = ownConf
	}
	return v
}

// pressLocked applies a tap on the named control.
func (s *Sim) pressLocked(name string) {
	switch s.overlay {
	case overlayAccept:
		s.overlay = overlayReady
		return
	case overlayReady:
		s.overlay = overlayResult
		return
	case overlayResult, overlayLaunch:
		s.overlay = overlayNone
		return
	}

	n, _ := s.graph.Node(s.state)
	if sub, ok := s.subjects[s.state]; ok {
		if name == sub.StartProbe {
			s.overlay = overlayAccept
			return
		}
		for _, v := range sub.Variants {
			if name == v.Probe {
				s.selected[s.state] = v.ID
				return
			}
		}
	}
	for _, e := range n.Edges {
		if e.Scroll != scene.ScrollNone && e.Scroll != s.scrolled {
			continue
		}
		if name == e.Probe || (e.Text != "" && name == textPrefix+e.Text) {
			s.moveLocked(e.Target)
			return
		}
	}
	if name == n.BackProbe && n.BackTo != "" {
		s.moveLocked(n.BackTo)
		return
	}
	if name == s.graph.HubProbe() {
		s.moveLocked(s.graph.Hub())
	}
}

func (s *Sim) moveLocked(id string) {
	if id == s.state {
		return
	}
	s.log.Debug("Simulated transition", zap.String("from", s.state), zap.String("to", id))
	s.state, s.scrolled = id, scene.ScrollNone
}

func within(p, c image.Point) bool {
	dx, dy := p.X-c.X, p.Y-c.Y
	return dx*dx+dy*dy <= hitRadius*hitRadius
}
