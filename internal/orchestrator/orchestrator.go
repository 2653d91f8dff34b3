// File: internal/orchestrator/orchestrator.go
// Description: Sequences complete activity attempts (navigate, select a
// variant, start, supervise, exit) under a single run-exclusivity guard and
// keeps a bounded history of their records.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/activity"
	"github.com/sylvester1001/zat/internal/actuator"
	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/navigator"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while another is active.
	ErrAlreadyRunning = errors.New("a run is already in progress")
	// ErrInterrupted is returned by RunOnce when the attempt was stopped.
	ErrInterrupted = errors.New("run interrupted")
)

const interruptedMessage = "interrupted"

// sinkTimeout bounds each record sink write.
const sinkTimeout = 5 * time.Second

// -- Interfaces for Dependency Inversion --

// Navigator moves the device to a target state.
type Navigator interface {
	NavigateTo(ctx context.Context, target string) error
}

// Monitor supervises the activity once started.
type Monitor interface {
	Run(ctx context.Context) activity.Result
	Stop()
	Reset()
	OnPhase(activity.PhaseListener)
}

// StateObserver reports the state currently shown on screen.
type StateObserver interface {
	Observe(ctx context.Context) string
}

// RecordSink receives every record change. Sink errors are logged and never
// fail a run.
type RecordSink interface {
	SaveRecord(ctx context.Context, r RunRecord) error
}

// StateListener observes RunState changes.
type StateListener func(RunState)

// Request selects what to run.
type Request struct {
	Subject string
	Variant string
	// SkipNavigation asserts the device already shows the subject's entry state.
	SkipNavigation bool
}

// Result is the outcome of one attempt.
type Result struct {
	Success     bool
	Interrupted bool
	Rank        string
	Message     string
	Record      RunRecord
	// AtEntry reports that the device was observed on the subject's entry
	// state after the attempt, so the next attempt may skip navigation.
	AtEntry bool
}

// LoopResult aggregates a counted or unbounded loop.
type LoopResult struct {
	Total       int      `json:"total"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	Interrupted int      `json:"interrupted"`
	Ranks       []string `json:"ranks"`
}

// SuccessRate returns Completed / Total, or zero for an empty loop.
func (r LoopResult) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Completed) / float64(r.Total)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink adds a record sink.
func WithSink(s RecordSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// WithStateListener adds a RunState listener.
func WithStateListener(l StateListener) Option {
	return func(o *Orchestrator) { o.stateListeners = append(o.stateListeners, l) }
}

// WithClock replaces the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs activities one logical run at a time.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	catalog  *catalog.Catalog
	nav      Navigator
	monitor  Monitor
	act      *actuator.Actuator
	observer StateObserver
	logger   *zap.Logger
	now      func() time.Time

	sinks          []RecordSink
	stateListeners []StateListener

	history *History
	seq     atomic.Uint64

	// stateLock guards the run guard and the run-scoped fields below.
	stateLock sync.Mutex
	isRunning bool
	session   string
	current   uint64
	stopCh    chan struct{}

	stopRequested atomic.Bool
	state         atomic.Value
}

// New creates an orchestrator from its collaborators.
func New(
	cfg config.OrchestratorConfig,
	cat *catalog.Catalog,
	nav Navigator,
	monitor Monitor,
	act *actuator.Actuator,
	obs StateObserver,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	if cat == nil || nav == nil || monitor == nil || act == nil || obs == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		cfg:      cfg,
		catalog:  cat,
		nav:      nav,
		monitor:  monitor,
		act:      act,
		observer: obs,
		logger:   logger.Named("orchestrator"),
		now:      time.Now,
		history:  NewHistory(cfg.HistorySize),
		stopCh:   make(chan struct{}),
	}
	o.state.Store(StateIdle)
	for _, opt := range opts {
		opt(o)
	}
	monitor.OnPhase(o.onPhase)
	return o, nil
}

// State returns the current RunState.
func (o *Orchestrator) State() RunState {
	return o.state.Load().(RunState)
}

// Running reports whether a run holds the guard.
func (o *Orchestrator) Running() bool {
	o.stateLock.Lock()
	defer o.stateLock.Unlock()
	return o.isRunning
}

// History returns record snapshots, newest first.
func (o *Orchestrator) History() []RunRecord {
	return o.history.Snapshot()
}

// Current returns the record of the attempt in progress.
func (o *Orchestrator) Current() (RunRecord, bool) {
	o.stateLock.Lock()
	seq := o.current
	o.stateLock.Unlock()
	if seq == 0 {
		return RunRecord{}, false
	}
	return o.history.Get(seq)
}

// Stop requests cooperative cancellation of the active run. The activity
// monitor returns at its next poll boundary and no further attempt starts.
func (o *Orchestrator) Stop() {
	o.stopRequested.Store(true)
	o.monitor.Stop()
	o.stateLock.Lock()
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
	o.stateLock.Unlock()
	o.logger.Info("Stop requested")
}

// RunOnce executes a single attempt.
func (o *Orchestrator) RunOnce(ctx context.Context, req Request) (Result, error) {
	subject, variant, err := o.resolve(req)
	if err != nil {
		return Result{}, err
	}
	release, err := o.acquire()
	if err != nil {
		return Result{}, err
	}
	defer release()

	res := o.executeOnce(ctx, subject, variant, req.SkipNavigation)
	if res.Interrupted {
		return res, ErrInterrupted
	}
	return res, nil
}

// RunLoop executes count attempts, or runs until stopped when count < 0.
func (o *Orchestrator) RunLoop(ctx context.Context, req Request, count int) (LoopResult, error) {
	subject, variant, err := o.resolve(req)
	if err != nil {
		return LoopResult{}, err
	}
	release, err := o.acquire()
	if err != nil {
		return LoopResult{}, err
	}
	defer release()

	unbounded := count < 0
	o.logger.Info("Starting run loop",
		zap.String("subject", subject.ID), zap.String("variant", variant.ID), zap.Int("count", count))

	var lr LoopResult
	skipNav := req.SkipNavigation
	for i := 0; !o.interrupted(ctx) && (unbounded || i < count); i++ {
		o.logger.Info("Starting iteration", zap.Int("iteration", i+1), zap.Int("count", count))
		res := o.executeOnce(ctx, subject, variant, skipNav)
		lr.Total = i + 1

		switch {
		case res.Interrupted:
			lr.Interrupted++
		case res.Success:
			lr.Completed++
			lr.Ranks = append(lr.Ranks, res.Rank)
		default:
			lr.Failed++
			o.logger.Error("Iteration failed", zap.Int("iteration", i+1), zap.String("message", res.Message))
		}
		skipNav = res.Success && res.AtEntry

		if !o.interrupted(ctx) && (unbounded || i+1 < count) {
			o.sleep(ctx, o.cfg.LoopDelay)
		}
	}

	o.logger.Info("Run loop finished",
		zap.Int("total", lr.Total), zap.Int("completed", lr.Completed),
		zap.Int("failed", lr.Failed), zap.Int("interrupted", lr.Interrupted))
	return lr, nil
}

func (o *Orchestrator) resolve(req Request) (catalog.Subject, catalog.Variant, error) {
	subject, err := o.catalog.Get(req.Subject)
	if err != nil {
		return catalog.Subject{}, catalog.Variant{}, err
	}
	variant, err := subject.Variant(req.Variant)
	if err != nil {
		return catalog.Subject{}, catalog.Variant{}, err
	}
	return subject, variant, nil
}

// acquire takes the run guard. The returned release resets the guard and
// RunState on every exit path, including panics unwinding through the caller.
func (o *Orchestrator) acquire() (func(), error) {
	o.stateLock.Lock()
	if o.isRunning {
		o.stateLock.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.isRunning = true
	o.session = uuid.NewString()
	o.stopCh = make(chan struct{})
	o.stopRequested.Store(false)
	o.monitor.Reset()
	o.stateLock.Unlock()

	return func() {
		o.stateLock.Lock()
		o.isRunning = false
		o.current = 0
		o.stateLock.Unlock()
		o.setState(StateIdle)
	}, nil
}

// executeOnce runs one attempt and always leaves a terminal record behind.
func (o *Orchestrator) executeOnce(ctx context.Context, subject catalog.Subject, variant catalog.Variant, skipNav bool) Result {
	rec := o.begin(ctx, subject, variant)
	log := o.logger.With(zap.Uint64("seq", rec.Seq), zap.String("subject", subject.ID), zap.String("variant", variant.ID))
	log.Info("Attempt started", zap.Bool("skip_navigation", skipNav))
	defer o.setState(StateIdle)

	fail := func(msg string) Result {
		if o.interrupted(ctx) {
			return o.interrupt(ctx, rec.Seq, log)
		}
		log.Warn("Attempt failed", zap.String("message", msg))
		final := o.finish(ctx, rec.Seq, StatusFailed, "", msg)
		o.recoverScreen(ctx)
		return Result{Message: msg, Record: final}
	}

	if o.interrupted(ctx) {
		return o.interrupt(ctx, rec.Seq, log)
	}

	if !skipNav {
		o.setState(StateNavigating)
		if err := o.nav.NavigateTo(ctx, subject.Target); err != nil {
			return fail(navigationMessage(err))
		}
		o.sleep(ctx, o.cfg.PostNavigateDelay)
	}
	if o.interrupted(ctx) {
		return o.interrupt(ctx, rec.Seq, log)
	}

	if ok, err := o.selectVariant(ctx, variant); err != nil {
		return fail(fmt.Sprintf("variant selection failed: %v", err))
	} else if !ok {
		return fail(fmt.Sprintf("variant %q could not be selected", variant.ID))
	}
	o.sleep(ctx, o.cfg.PostSelectDelay)
	if o.interrupted(ctx) {
		return o.interrupt(ctx, rec.Seq, log)
	}

	o.setState(StateAwaitingMatch)
	started, err := o.act.ClickProbe(ctx, subject.StartProbe, o.cfg.StartTimeout)
	if err != nil {
		return fail(fmt.Sprintf("start failed: %v", err))
	}
	if !started {
		return fail("start control not found")
	}

	outcome := o.monitor.Run(ctx)
	if outcome.Outcome == activity.OutcomeInterrupted {
		return o.interrupt(ctx, rec.Seq, log)
	}
	if !outcome.Success() {
		return fail(outcome.Message)
	}
	o.sleep(ctx, o.cfg.PostActivityDelay)
	if o.interrupted(ctx) {
		return o.interrupt(ctx, rec.Seq, log)
	}

	o.setState(StateFinished)
	if err := o.exitResult(ctx, subject); err != nil {
		return fail(fmt.Sprintf("exit failed: %v", err))
	}

	final := o.finish(ctx, rec.Seq, StatusCompleted, outcome.Rank, "completed")
	atEntry := o.observer.Observe(ctx) == subject.Target
	log.Info("Attempt completed", zap.String("rank", outcome.Rank), zap.Bool("at_entry", atEntry))
	return Result{Success: true, Rank: outcome.Rank, Message: "completed", Record: final, AtEntry: atEntry}
}

func navigationMessage(err error) string {
	var navErr *navigator.Error
	if errors.As(err, &navErr) {
		return fmt.Sprintf("navigation failed: %s", navErr.Reason.Message())
	}
	return fmt.Sprintf("navigation failed: %v", err)
}

// selectVariant picks variant unless it is already selected.
func (o *Orchestrator) selectVariant(ctx context.Context, v catalog.Variant) (bool, error) {
	if v.Probe == "" {
		return true, nil
	}
	if v.SelectedProbe != "" {
		if _, ok := o.act.Find(v.SelectedProbe); ok {
			o.logger.Debug("Variant already selected", zap.String("variant", v.ID))
			return true, nil
		}
	}
	return o.act.ClickProbe(ctx, v.Probe, o.cfg.SelectTimeout)
}

// exitResult dismisses the result screen with the exit probe, falling back to
// the hardware back key.
func (o *Orchestrator) exitResult(ctx context.Context, subject catalog.Subject) error {
	if subject.ExitProbe != "" {
		clicked, err := o.act.ClickProbe(ctx, subject.ExitProbe, o.cfg.ExitTimeout)
		if err != nil || clicked {
			return err
		}
		o.logger.Warn("Exit control not found; pressing back", zap.String("probe", subject.ExitProbe))
	}
	return o.act.Device().PressBack(ctx)
}

// recoverScreen presses back a fixed number of times and re-observes so the next
// attempt starts from a known-ish state. Input errors end recovery early.
func (o *Orchestrator) recoverScreen(ctx context.Context) {
	o.logger.Info("Recovering", zap.Int("backs", o.cfg.RecoveryBacks))
	for i := 0; i < o.cfg.RecoveryBacks; i++ {
		if err := o.act.Device().PressBack(ctx); err != nil {
			o.logger.Warn("Recovery input failed", zap.Error(err))
			return
		}
		o.sleep(ctx, o.cfg.RecoveryDelay)
	}
	state := o.observer.Observe(ctx)
	o.logger.Info("Recovery finished", zap.String("state", state))
}

func (o *Orchestrator) interrupt(ctx context.Context, seq uint64, log *zap.Logger) Result {
	log.Info("Attempt interrupted")
	final := o.finish(ctx, seq, StatusFailed, "", interruptedMessage)
	return Result{Interrupted: true, Message: interruptedMessage, Record: final}
}

func (o *Orchestrator) interrupted(ctx context.Context) bool {
	return o.stopRequested.Load() || ctx.Err() != nil
}

// sleep waits for d unless the run is stopped or ctx is done.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	o.stateLock.Lock()
	stopCh := o.stopCh
	o.stateLock.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-t.C:
	}
}

func (o *Orchestrator) begin(ctx context.Context, subject catalog.Subject, variant catalog.Variant) RunRecord {
	o.stateLock.Lock()
	session := o.session
	o.stateLock.Unlock()

	rec := RunRecord{
		Seq:         o.seq.Add(1),
		Session:     session,
		Subject:     subject.ID,
		SubjectName: subject.Name,
		Variant:     variant.ID,
		VariantName: variant.Name,
		StartedAt:   o.now(),
		Status:      StatusRunning,
	}
	o.history.Push(rec)

	o.stateLock.Lock()
	o.current = rec.Seq
	o.stateLock.Unlock()

	o.publish(ctx, rec)
	return rec
}

func (o *Orchestrator) finish(ctx context.Context, seq uint64, status Status, rank, msg string) RunRecord {
	final, ok := o.history.Update(seq, func(r *RunRecord) {
		r.Status = status
		r.Rank = rank
		r.Message = msg
		r.FinishedAt = o.now()
	})
	if !ok {
		return RunRecord{}
	}
	o.publish(ctx, final)
	return final
}

// publish mirrors r to every sink. Sinks run detached from cancellation so a
// stopped run still archives its terminal record.
func (o *Orchestrator) publish(ctx context.Context, r RunRecord) {
	if len(o.sinks) == 0 {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	for _, s := range o.sinks {
		if err := s.SaveRecord(sinkCtx, r); err != nil {
			o.logger.Warn("Failed to save run record", zap.Uint64("seq", r.Seq), zap.Error(err))
		}
	}
}

func (o *Orchestrator) onPhase(p activity.Phase) {
	switch p {
	case activity.PhaseAwaitingMatch:
		o.setState(StateAwaitingMatch)
	case activity.PhaseActive:
		o.setState(StateActive)
	}
}

func (o *Orchestrator) setState(s RunState) {
	if prev := o.state.Swap(s); prev == s {
		return
	}
	o.logger.Debug("State changed", zap.String("state", string(s)))
	for _, l := range o.stateListeners {
		l(s)
	}
}
