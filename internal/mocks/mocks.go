// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sylvester1001/zat/internal/device"
	"github.com/sylvester1001/zat/internal/perception"
)

// -- Device Mocks --

// MockDevice mocks device.Device with testify expectations.
type MockDevice struct {
	mock.Mock
}

var _ device.Device = (*MockDevice)(nil)

func (m *MockDevice) Tap(ctx context.Context, x, y int) error {
	args := m.Called(ctx, x, y)
	return args.Error(0)
}

func (m *MockDevice) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	args := m.Called(ctx, x1, y1, x2, y2, d)
	return args.Error(0)
}

func (m *MockDevice) PressBack(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDevice) IsAttached(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

// Device is a recording fake. Every input is appended to Events as a short
// string such as "tap 10,20", "swipe 640,360->640,-140" or "back".
type Device struct {
	mu       sync.Mutex
	events   []string
	attached bool
	err      error

	// OnTap, OnBack and OnStart run after the event is recorded, outside the lock.
	OnTap   func(x, y int)
	OnBack  func()
	OnStart func()
}

var _ device.Device = (*Device)(nil)

// NewDevice returns an attached recording device.
func NewDevice() *Device {
	return &Device{attached: true}
}

// SetAttached changes what IsAttached reports.
func (d *Device) SetAttached(b bool) {
	d.mu.Lock()
	d.attached = b
	d.mu.Unlock()
}

// FailWith makes every input return err.
func (d *Device) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *Device) record(ev string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, ev)
	return nil
}

func (d *Device) Tap(ctx context.Context, x, y int) error {
	if err := d.record(fmt.Sprintf("tap %d,%d", x, y)); err != nil {
		return err
	}
	if d.OnTap != nil {
		d.OnTap(x, y)
	}
	return nil
}

func (d *Device) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	return d.record(fmt.Sprintf("swipe %d,%d->%d,%d", x1, y1, x2, y2))
}

func (d *Device) PressBack(ctx context.Context) error {
	if err := d.record("back"); err != nil {
		return err
	}
	if d.OnBack != nil {
		d.OnBack()
	}
	return nil
}

// StartApp records "start-app" and marks the device attached.
func (d *Device) StartApp(ctx context.Context) error {
	if err := d.record("start-app"); err != nil {
		return err
	}
	d.SetAttached(true)
	if d.OnStart != nil {
		d.OnStart()
	}
	return nil
}

// StopApp records "stop-app" and marks the device detached.
func (d *Device) StopApp(ctx context.Context) error {
	if err := d.record("stop-app"); err != nil {
		return err
	}
	d.SetAttached(false)
	return nil
}

func (d *Device) IsAttached(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached, nil
}

// Events returns a copy of the recorded events.
func (d *Device) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

// Count returns how many recorded events equal ev, or start with ev when it
// ends in a space (e.g. "tap ").
func (d *Device) Count(ev string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.events {
		if e == ev || (len(ev) > 0 && ev[len(ev)-1] == ' ' && len(e) >= len(ev) && e[:len(ev)] == ev) {
			n++
		}
	}
	return n
}

// -- Perception Mocks --

// Screen is a scripted perception fake. Probes and texts are visible only
// after Show/ShowText; AllVisible makes every probe match at the centre.
type Screen struct {
	mu         sync.Mutex
	frame      perception.Frame
	probes     map[string]perception.Match
	texts      map[string]perception.Match
	allVisible bool
	lookups    map[string]int
}

var (
	_ perception.FrameSource = (*Screen)(nil)
	_ perception.Matcher     = (*Screen)(nil)
	_ perception.TextFinder  = (*Screen)(nil)
)

// NewScreen returns a screen with a blank w x h frame.
func NewScreen(w, h int) *Screen {
	return &Screen{
		frame:   image.NewGray(image.Rect(0, 0, w, h)),
		probes:  make(map[string]perception.Match),
		texts:   make(map[string]perception.Match),
		lookups: make(map[string]int),
	}
}

// SetFrame replaces the frame. nil simulates a capture pipeline with no output yet.
func (s *Screen) SetFrame(f perception.Frame) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

// SetAllVisible toggles the match-everything mode.
func (s *Screen) SetAllVisible(b bool) {
	s.mu.Lock()
	s.allVisible = b
	s.mu.Unlock()
}

// Show makes probe match at (x, y) with the given confidence.
func (s *Screen) Show(probe string, x, y int, confidence float64) {
	s.mu.Lock()
	s.probes[probe] = perception.Match{X: x, Y: y, Confidence: confidence}
	s.mu.Unlock()
}

// Hide removes probe.
func (s *Screen) Hide(probe string) {
	s.mu.Lock()
	delete(s.probes, probe)
	s.mu.Unlock()
}

// ShowText makes text findable at (x, y).
func (s *Screen) ShowText(text string, x, y int) {
	s.mu.Lock()
	s.texts[text] = perception.Match{X: x, Y: y, Confidence: 0.95}
	s.mu.Unlock()
}

// Lookups returns how many times probe was matched against.
func (s *Screen) Lookups(probe string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[probe]
}

func (s *Screen) LatestFrame() perception.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *Screen) MatchTemplate(frame perception.Frame, probe string, threshold float64) (perception.Match, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups[probe]++
	if frame == nil {
		return perception.Match{}, false
	}
	if s.allVisible {
		c := perception.Center(frame)
		return perception.Match{X: c.X, Y: c.Y, Confidence: 0.99}, true
	}
	m, ok := s.probes[probe]
	if !ok || m.Confidence < threshold {
		return perception.Match{}, false
	}
	return m, true
}

func (s *Screen) FindText(frame perception.Frame, text string, region *image.Rectangle) (perception.Match, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame == nil {
		return perception.Match{}, false
	}
	m, ok := s.texts[text]
	if !ok {
		return perception.Match{}, false
	}
	if region != nil && !m.Point().In(*region) {
		return perception.Match{}, false
	}
	return m, true
}

// -- Observer Mocks --

// ScriptedObserver returns states in order and repeats the last one once the
// script is exhausted.
type ScriptedObserver struct {
	mu     sync.Mutex
	states []string
	calls  int
}

// NewScriptedObserver returns an observer replaying states.
func NewScriptedObserver(states ...string) *ScriptedObserver {
	return &ScriptedObserver{states: states}
}

func (o *ScriptedObserver) Observe(ctx context.Context) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.calls
	o.calls++
	if len(o.states) == 0 {
		return "unknown"
	}
	if i >= len(o.states) {
		i = len(o.states) - 1
	}
	return o.states[i]
}

// Calls returns how many observations were made.
func (o *ScriptedObserver) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}
