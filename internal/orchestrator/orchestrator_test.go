// File: internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sylvester1001/zat/internal/activity"
	"github.com/sylvester1001/zat/internal/actuator"
	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/mocks"
	"github.com/sylvester1001/zat/internal/navigator"
	"github.com/sylvester1001/zat/internal/scene"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Hand-written fakes --

type fakeNavigator struct {
	mu    sync.Mutex
	calls int
	// failOn maps a 1-based call number to the error it returns.
	failOn map[int]error
	hook   func(call int)
}

func (n *fakeNavigator) NavigateTo(ctx context.Context, target string) error {
	n.mu.Lock()
	n.calls++
	call := n.calls
	err := n.failOn[call]
	hook := n.hook
	n.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return err
}

func (n *fakeNavigator) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// fakeMonitor returns scripted results. A nil script entry blocks until Stop.
type fakeMonitor struct {
	mu        sync.Mutex
	script    []*activity.Result
	calls     int
	stopCh    chan struct{}
	stopped   bool
	listeners []activity.PhaseListener
	entered   chan int
}

func newFakeMonitor(script ...*activity.Result) *fakeMonitor {
	return &fakeMonitor{script: script, stopCh: make(chan struct{}), entered: make(chan int, 16)}
}

func completed(rank string) *activity.Result {
	return &activity.Result{Outcome: activity.OutcomeCompleted, Rank: rank, Message: "activity completed"}
}

func (m *fakeMonitor) Run(ctx context.Context) activity.Result {
	m.mu.Lock()
	i := m.calls
	m.calls++
	var r *activity.Result
	if len(m.script) > 0 {
		r = m.script[min(i, len(m.script)-1)]
	}
	stopCh := m.stopCh
	listeners := append([]activity.PhaseListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(activity.PhaseAwaitingMatch)
		l(activity.PhaseActive)
	}
	m.entered <- i + 1
	if r != nil {
		return *r
	}
	select {
	case <-stopCh:
	case <-ctx.Done():
	}
	return activity.Result{Outcome: activity.OutcomeInterrupted, Message: "interrupted"}
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
}

func (m *fakeMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		m.stopCh = make(chan struct{})
		m.stopped = false
	}
}

func (m *fakeMonitor) OnPhase(l activity.PhaseListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	records []RunRecord
	err     error
}

func (s *recordingSink) SaveRecord(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *recordingSink) Records() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunRecord(nil), s.records...)
}

// -- Harness --

type harness struct {
	orch   *Orchestrator
	nav    *fakeNavigator
	mon    *fakeMonitor
	dev    *mocks.Device
	screen *mocks.Screen
	obs    *mocks.ScriptedObserver
	logs   *observer.ObservedLogs
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		HistorySize:   10,
		RecoveryBacks: 3,
		SelectTimeout: 5 * time.Millisecond,
		StartTimeout:  5 * time.Millisecond,
		ExitTimeout:   5 * time.Millisecond,
	}
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	b := scene.NewBuilder()
	require.NoError(t, b.Register(scene.Node{ID: "home", Edges: []scene.Edge{
		{Target: "dungeon", Action: scene.ActionClick, Probe: "to_dungeon"},
	}}))
	require.NoError(t, b.Register(scene.Node{ID: "dungeon", BackTo: "home"}))
	g, err := b.Build()
	require.NoError(t, err)

	cat, err := catalog.New(g, []catalog.Subject{{
		ID:         "trial",
		Name:       "Trial",
		Target:     "dungeon",
		StartProbe: "start",
		ExitProbe:  "exit",
		Variants: []catalog.Variant{
			{ID: "normal", Name: "Normal", Probe: "normal", SelectedProbe: "normal_on"},
			{ID: "hard", Name: "Hard", Probe: "hard", SelectedProbe: "hard_on"},
		},
	}})
	require.NoError(t, err)
	return cat
}

func newHarness(t *testing.T, nav *fakeNavigator, mon *fakeMonitor, obs *mocks.ScriptedObserver, opts ...Option) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	dev := mocks.NewDevice()
	screen := mocks.NewScreen(1280, 720)
	screen.Show("start", 1000, 600, 0.9)
	screen.Show("exit", 640, 650, 0.9)
	screen.Show("normal", 300, 200, 0.9)
	screen.Show("hard", 400, 200, 0.9)
	act := actuator.New(dev, screen, screen, nil, 0.7,
		config.NavigatorConfig{ClickInterval: time.Millisecond}, logger)

	orch, err := New(testConfig(), testCatalog(t), nav, mon, act, obs, logger, opts...)
	require.NoError(t, err)
	return &harness{orch: orch, nav: nav, mon: mon, dev: dev, screen: screen, obs: obs, logs: logs}
}

var trialNormal = Request{Subject: "trial", Variant: "normal"}

// -- Tests --

func TestNewRejectsNilDependencies(t *testing.T) {
	_, err := New(testConfig(), nil, &fakeNavigator{}, newFakeMonitor(), nil, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRunOnceCompletes(t *testing.T) {
	var states []RunState
	var mu sync.Mutex
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("S")), mocks.NewScriptedObserver("dungeon"),
		WithStateListener(func(s RunState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))

	res, err := h.orch.RunOnce(context.Background(), trialNormal)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "S", res.Rank)
	assert.True(t, res.AtEntry)
	assert.Equal(t, StatusCompleted, res.Record.Status)
	assert.Equal(t, "Normal", res.Record.VariantName)
	assert.False(t, res.Record.FinishedAt.IsZero())
	assert.Equal(t, []string{"tap 300,200", "tap 1000,600", "tap 640,650"}, h.dev.Events())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []RunState{StateNavigating, StateAwaitingMatch, StateActive, StateFinished, StateIdle}, states)
	assert.Equal(t, StateIdle, h.orch.State())
}

func TestUnknownSubjectOrVariant(t *testing.T) {
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("dungeon"))

	_, err := h.orch.RunOnce(context.Background(), Request{Subject: "raid"})
	assert.ErrorIs(t, err, catalog.ErrUnknownSubject)
	_, err = h.orch.RunLoop(context.Background(), Request{Subject: "trial", Variant: "nightmare"}, 2)
	assert.ErrorIs(t, err, catalog.ErrUnknownVariant)
	assert.Zero(t, h.nav.Calls())
	assert.Empty(t, h.orch.History())
}

func TestRunsAreExclusive(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	nav := &fakeNavigator{hook: func(int) {
		close(entered)
		<-release
	}}
	h := newHarness(t, nav, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("dungeon"))

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunOnce(context.Background(), trialNormal)
		done <- err
	}()
	<-entered

	assert.True(t, h.orch.Running())
	_, err := h.orch.RunOnce(context.Background(), trialNormal)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = h.orch.RunLoop(context.Background(), trialNormal, 3)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Len(t, h.orch.History(), 1)

	cur, ok := h.orch.Current()
	require.True(t, ok)
	assert.Equal(t, StatusRunning, cur.Status)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.orch.Running())
	_, ok = h.orch.Current()
	assert.False(t, ok)
}

func TestHistoryIsBoundedNewestFirst(t *testing.T) {
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("B")), mocks.NewScriptedObserver("dungeon"))
	for i := 0; i < 15; i++ {
		_, err := h.orch.RunOnce(context.Background(), Request{Subject: "trial", Variant: "normal", SkipNavigation: true})
		require.NoError(t, err)
	}

	hist := h.orch.History()
	require.Len(t, hist, 10)
	assert.Equal(t, uint64(15), hist[0].Seq)
	assert.Equal(t, uint64(6), hist[9].Seq)
	assert.Zero(t, h.nav.Calls())
}

func TestLoopCountsFailuresAndRecovers(t *testing.T) {
	nav := &fakeNavigator{failOn: map[int]error{
		2: &navigator.Error{Target: "dungeon", Reason: navigator.ReasonNavigationFailed},
	}}
	h := newHarness(t, nav, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("home"))
	observedAt := map[int]int{}
	backsAt := map[int]int{}
	nav.hook = func(call int) {
		observedAt[call] = h.obs.Calls()
		backsAt[call] = h.dev.Count("back")
	}

	lr, err := h.orch.RunLoop(context.Background(), trialNormal, 3)
	require.NoError(t, err)

	assert.Equal(t, LoopResult{Total: 3, Completed: 2, Failed: 1, Ranks: []string{"A", "A"}}, lr)
	assert.Equal(t, 3, backsAt[3]-backsAt[2], "recovery runs between iterations 2 and 3")
	assert.Equal(t, 1, observedAt[3]-observedAt[2], "recovery re-observes the screen once")
	assert.Equal(t, 1, h.logs.FilterMessage("Recovery finished").FilterField(zap.String("state", "home")).Len())
	assert.InDelta(t, 2.0/3.0, lr.SuccessRate(), 1e-9)
	assert.Equal(t, 3, nav.Calls(), "every iteration navigates when the entry state is not observed")
	assert.Equal(t, 3, h.dev.Count("back"), "recovery presses back after the failed iteration")

	hist := h.orch.History()
	require.Len(t, hist, 3)
	assert.Equal(t, StatusFailed, hist[1].Status)
	assert.Equal(t, "navigation failed: target screen could not be reached", hist[1].Message)
	assert.Equal(t, StatusCompleted, hist[0].Status)
}

func TestLoopSkipsNavigationWhenBackAtEntry(t *testing.T) {
	nav := &fakeNavigator{}
	h := newHarness(t, nav, newFakeMonitor(completed("C")), mocks.NewScriptedObserver("dungeon"))

	lr, err := h.orch.RunLoop(context.Background(), trialNormal, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, lr.Completed)
	assert.Equal(t, 1, nav.Calls())
}

func TestStopInterruptsUnboundedLoop(t *testing.T) {
	mon := newFakeMonitor(completed("A"), nil)
	h := newHarness(t, &fakeNavigator{}, mon, mocks.NewScriptedObserver("home"))

	done := make(chan LoopResult, 1)
	go func() {
		lr, err := h.orch.RunLoop(context.Background(), trialNormal, -1)
		assert.NoError(t, err)
		done <- lr
	}()

	assert.Equal(t, 1, <-mon.entered)
	assert.Equal(t, 2, <-mon.entered)
	h.orch.Stop()

	select {
	case lr := <-done:
		assert.Equal(t, 2, lr.Total)
		assert.Equal(t, 1, lr.Completed)
		assert.Equal(t, 1, lr.Interrupted)
		assert.Zero(t, lr.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, StateIdle, h.orch.State())
	assert.False(t, h.orch.Running())
	assert.Zero(t, h.dev.Count("back"), "interrupted attempts skip recovery")
	assert.Equal(t, interruptedMessage, h.orch.History()[0].Message)

	// A later run is not affected by the earlier stop.
	mon.script = []*activity.Result{completed("B")}
	res, err := h.orch.RunOnce(context.Background(), trialNormal)
	require.NoError(t, err)
	assert.Equal(t, "B", res.Rank)
}

func TestRunOnceReportsInterruption(t *testing.T) {
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("dungeon"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.RunOnce(ctx, trialNormal)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, res.Interrupted)
	assert.Empty(t, h.dev.Events())
}

func TestVariantSelectionIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("dungeon"))
	h.screen.Show("hard_on", 400, 200, 0.9)

	_, err := h.orch.RunOnce(context.Background(), Request{Subject: "trial", Variant: "hard"})
	require.NoError(t, err)
	assert.Zero(t, h.dev.Count("tap 400,200"))
}

func TestMissingStartControlFails(t *testing.T) {
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("home"))
	h.screen.Hide("start")

	res, err := h.orch.RunOnce(context.Background(), trialNormal)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "start control not found", res.Message)
	assert.Equal(t, 3, h.dev.Count("back"))
}

func TestActivityTimeoutFails(t *testing.T) {
	mon := newFakeMonitor(&activity.Result{Outcome: activity.OutcomeTimedOut, Message: "activity timed out"})
	h := newHarness(t, &fakeNavigator{}, mon, mocks.NewScriptedObserver("home"))

	res, err := h.orch.RunOnce(context.Background(), trialNormal)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "activity timed out", res.Record.Message)
}

func TestExitFallsBackToBack(t *testing.T) {
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("dungeon"))
	h.screen.Hide("exit")

	res, err := h.orch.RunOnce(context.Background(), trialNormal)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, h.dev.Count("back"))
}

func TestSinksReceiveEveryRecordChange(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("archive offline")}
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("dungeon"),
		WithSink(good), WithSink(bad))

	res, err := h.orch.RunOnce(context.Background(), trialNormal)
	require.NoError(t, err)
	assert.True(t, res.Success)

	recs := good.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, StatusRunning, recs[0].Status)
	assert.Equal(t, StatusCompleted, recs[1].Status)
	assert.Equal(t, recs[0].Session, recs[1].Session)
	assert.Equal(t, 2, h.logs.FilterMessage("Failed to save run record").Len())
}

func TestSessionChangesPerRun(t *testing.T) {
	h := newHarness(t, &fakeNavigator{}, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("dungeon"))
	first, err := h.orch.RunOnce(context.Background(), trialNormal)
	require.NoError(t, err)
	second, err := h.orch.RunOnce(context.Background(), trialNormal)
	require.NoError(t, err)
	assert.NotEqual(t, first.Record.Session, second.Record.Session)
}

func TestPanicReleasesGuard(t *testing.T) {
	nav := &fakeNavigator{hook: func(int) { panic("navigator bug") }}
	h := newHarness(t, nav, newFakeMonitor(completed("A")), mocks.NewScriptedObserver("dungeon"))

	assert.Panics(t, func() {
		_, _ = h.orch.RunOnce(context.Background(), trialNormal)
	})
	assert.False(t, h.orch.Running())
	assert.Equal(t, StateIdle, h.orch.State())
}

func TestHistoryUpdateAfterEviction(t *testing.T) {
	hist := NewHistory(2)
	hist.Push(RunRecord{Seq: 1})
	hist.Push(RunRecord{Seq: 2})
	hist.Push(RunRecord{Seq: 3})

	_, ok := hist.Update(1, func(r *RunRecord) { r.Status = StatusFailed })
	assert.False(t, ok)
	assert.Equal(t, 2, hist.Len())

	rec, ok := hist.Update(2, func(r *RunRecord) { r.Status = StatusCompleted })
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestRunRecordDuration(t *testing.T) {
	start := time.Unix(100, 0)
	assert.Zero(t, RunRecord{StartedAt: start}.Duration())
	assert.Equal(t, 90*time.Second, RunRecord{StartedAt: start, FinishedAt: start.Add(90 * time.Second)}.Duration())
}
