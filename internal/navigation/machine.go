// Package navigation turns a stream of position fixes into navigation state
// for a walking route: progress, off-route warnings, instruction steps and
// arrival.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/yegors/safewalk/internal/location"
	"github.com/yegors/safewalk/internal/route"
	"github.com/yegors/safewalk/pkg/logger"
)

// ErrMachineClosed is returned by commands issued after Run has returned
var ErrMachineClosed = errors.New("navigation machine closed")

// Config tunes the machine
type Config struct {
	OffRouteThresholdMeters float64
	DeviationMode           DeviationMode
	ArrivalRadiusMeters     float64
	AutoStopDelay           time.Duration
	WalkingSpeedKmh         float64
	StepThresholds          []float64
	PositionTimeout         time.Duration
	InboxSize               int
}

// DefaultConfig returns the standard pedestrian settings
func DefaultConfig() Config {
	return Config{
		OffRouteThresholdMeters: 50,
		DeviationMode:           DeviationVertex,
		ArrivalRadiusMeters:     20,
		AutoStopDelay:           2 * time.Second,
		WalkingSpeedKmh:         5,
		StepThresholds:          []float64{20, 40, 60, 80},
		PositionTimeout:         10 * time.Second,
		InboxSize:               64,
	}
}

// Machine is the navigation state machine. All session state is owned by the
// goroutine running Run; every other method talks to it through the inbox.
type Machine struct {
	cfg      Config
	deviate  DeviationDetector
	source   location.Source
	clock    clockwork.Clock
	sink     TrackSink
	listener Listener
	logger   *logger.Logger

	inbox   chan message
	stopped chan struct{}
	running atomic.Bool

	// loop owned
	gen     uint64
	session *session
	res     *disposer
}

// Option configures optional Machine collaborators
type Option func(*Machine)

// WithClock sets the clock used for timers and timestamps
func WithClock(c clockwork.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithTrackSink sets the sink that receives accepted fixes
func WithTrackSink(s TrackSink) Option {
	return func(m *Machine) { m.sink = s }
}

// WithListener sets the receiver of state snapshots and events
func WithListener(l Listener) Option {
	return func(m *Machine) { m.listener = l }
}

// New creates a machine reading fixes from source. Run must be called for
// commands to make progress.
func New(cfg Config, source location.Source, log *logger.Logger, opts ...Option) *Machine {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.DeviationMode == "" {
		cfg.DeviationMode = DeviationVertex
	}

	m := &Machine{
		cfg: cfg,
		deviate: DeviationDetector{
			ThresholdMeters: cfg.OffRouteThresholdMeters,
			Mode:            cfg.DeviationMode,
		},
		source:   source,
		clock:    clockwork.NewRealClock(),
		sink:     nopSink{},
		listener: nopListener{},
		logger:   log.Named("nav-machine"),
		inbox:    make(chan message, cfg.InboxSize),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle identifies a started session
type Handle struct {
	ID  string
	gen uint64
	m   *Machine
}

// Dispose stops the session if it is still the current one
func (h *Handle) Dispose(ctx context.Context) error {
	_, err := h.m.call(ctx, func(reply chan<- State) message {
		return disposeMsg{gen: h.gen, reply: reply}
	})
	return err
}

type message interface{ isMessage() }

type (
	sampleMsg struct {
		gen    uint64
		sample location.Sample
	}
	errorMsg struct {
		gen uint64
		err error
	}
	tickMsg     struct{ gen uint64 }
	autoStopMsg struct{ gen uint64 }

	startMsg struct {
		result route.Result
		reply  chan<- startReply
	}
	stopMsg struct {
		reply chan<- State
	}
	disposeMsg struct {
		gen   uint64
		reply chan<- State
	}
	nextStepMsg struct {
		reply chan<- State
	}
	stateMsg struct {
		reply chan<- State
	}
)

type startReply struct {
	handle *Handle
	state  State
}

func (sampleMsg) isMessage()   {}
func (errorMsg) isMessage()    {}
func (tickMsg) isMessage()     {}
func (autoStopMsg) isMessage() {}
func (startMsg) isMessage()    {}
func (stopMsg) isMessage()     {}
func (disposeMsg) isMessage()  {}
func (nextStepMsg) isMessage() {}
func (stateMsg) isMessage()    {}

// Run processes messages until ctx is cancelled. The active session, if any,
// is stopped before Run returns. Run may only be called once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("navigation machine already running")
	}
	defer close(m.stopped)

	m.logger.Info("Navigation machine started")
	for {
		select {
		case <-ctx.Done():
			m.teardown(StopShutdown)
			m.logger.Info("Navigation machine stopped")
			return nil
		case msg := <-m.inbox:
			m.handle(msg)
		}
	}
}

// Start begins navigating r, replacing any active session. The returned
// state has status Initializing, or Error if the position source refused the
// subscription.
func (m *Machine) Start(ctx context.Context, r route.Result) (*Handle, State, error) {
	reply := make(chan startReply, 1)
	if err := m.send(ctx, startMsg{result: r, reply: reply}); err != nil {
		return nil, State{}, err
	}
	select {
	case rep := <-reply:
		return rep.handle, rep.state, nil
	case <-m.stopped:
		return nil, State{}, ErrMachineClosed
	case <-ctx.Done():
		return nil, State{}, ctx.Err()
	}
}

// Stop ends the active session. Stopping an idle machine is a no-op.
func (m *Machine) Stop(ctx context.Context) (State, error) {
	return m.call(ctx, func(reply chan<- State) message { return stopMsg{reply: reply} })
}

// NextStep advances the instruction step by one, never past the last one
func (m *Machine) NextStep(ctx context.Context) (State, error) {
	return m.call(ctx, func(reply chan<- State) message { return nextStepMsg{reply: reply} })
}

// State returns a snapshot of the current session
func (m *Machine) State(ctx context.Context) (State, error) {
	return m.call(ctx, func(reply chan<- State) message { return stateMsg{reply: reply} })
}

func (m *Machine) call(ctx context.Context, build func(chan<- State) message) (State, error) {
	reply := make(chan State, 1)
	if err := m.send(ctx, build(reply)); err != nil {
		return State{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-m.stopped:
		return State{}, ErrMachineClosed
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (m *Machine) send(ctx context.Context, msg message) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-m.stopped:
		return ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues a message produced on behalf of a session. It gives up once
// the session is disposed or the machine has stopped.
func (m *Machine) post(done <-chan struct{}, msg message) {
	select {
	case m.inbox <- msg:
	case <-done:
	case <-m.stopped:
	}
}

func (m *Machine) handle(msg message) {
	switch msg := msg.(type) {
	case startMsg:
		h := m.start(msg.result)
		msg.reply <- startReply{handle: h, state: m.snapshot()}
	case stopMsg:
		m.teardown(StopManual)
		msg.reply <- m.snapshot()
	case disposeMsg:
		if m.current(msg.gen) {
			m.teardown(StopManual)
		}
		msg.reply <- m.snapshot()
	case nextStepMsg:
		if m.session != nil {
			m.session.nextStep()
			m.emit()
		}
		msg.reply <- m.snapshot()
	case stateMsg:
		msg.reply <- m.snapshot()
	case sampleMsg:
		if m.current(msg.gen) {
			m.onSample(msg.sample)
		}
	case errorMsg:
		if m.current(msg.gen) {
			m.onError(msg.err)
		}
	case tickMsg:
		if m.current(msg.gen) {
			m.session.elapsedSec = int(m.clock.Since(m.session.startedAt) / time.Second)
			m.emit()
		}
	case autoStopMsg:
		if m.current(msg.gen) {
			m.teardown(StopArrived)
		}
	}
}

// current reports whether gen belongs to the live session
func (m *Machine) current(gen uint64) bool {
	return m.session != nil && m.session.gen == gen
}

func (m *Machine) snapshot() State {
	if m.session == nil {
		return State{Status: StatusOff}
	}
	return m.session.snapshot()
}

func (m *Machine) start(r route.Result) *Handle {
	if m.session != nil {
		m.teardown(StopReplaced)
	}

	m.gen++
	id := uuid.NewString()
	log := m.logger.WithSession(id)

	path, err := route.Decode(r)
	if err != nil {
		// The session still runs; deviation and arrival are disabled
		log.Warn("Route path unavailable", logger.String("route_id", r.ID), logger.Error(err))
		path = nil
	}

	s := &session{
		id:           id,
		gen:          m.gen,
		status:       StatusInitializing,
		summary:      summaryOf(r),
		startedAt:    m.clock.Now(),
		logger:       log,
		path:         path,
		instructions: route.Instructions(r),
		arrival:      NewArrivalDetector(path, m.cfg.ArrivalRadiusMeters),
		distText:     r.DistanceText,
		etaText:      r.DurationText,
	}
	if dest, ok := path.Destination(); ok {
		s.destination = &dest
	}
	s.progress, s.hasTarget = NewProgressEstimator(path, m.cfg.WalkingSpeedKmh)
	if s.hasTarget {
		s.distance = s.progress.TotalMeters()
		s.eta = s.distance / (m.cfg.WalkingSpeedKmh * 1000 / 3600)
	}

	m.session = s
	m.res = newDisposer()

	log.Info("Navigation started",
		logger.String("route_id", r.ID),
		logger.Int("vertices", len(path)),
		logger.Float64("length_m", path.Length()),
		logger.Float64("straight_line_m", s.distance))

	m.sink.SessionStarted(id, s.summary, s.startedAt)
	m.listener.OnState(s.snapshot())
	m.listener.OnEvent(m.event(EventNavigationStarted))

	gen, quiet := s.gen, m.res.quiet
	sub, err := m.source.Subscribe(location.Options{
		HighAccuracy: true,
		MaxCacheAge:  0,
		Timeout:      m.cfg.PositionTimeout,
	}, func(smp location.Sample) {
		m.post(quiet, sampleMsg{gen: gen, sample: smp})
	}, func(err error) {
		m.post(quiet, errorMsg{gen: gen, err: err})
	})
	if err != nil {
		// A watch that never started cannot recover
		m.fail(location.Classify(err), true)
		return &Handle{ID: id, gen: gen, m: m}
	}
	m.res.sub = sub
	m.res.goTicker(m.clock, time.Second, func() {
		m.post(quiet, tickMsg{gen: gen})
	})
	return &Handle{ID: id, gen: gen, m: m}
}

func (m *Machine) onSample(smp location.Sample) {
	s := m.session
	if s.status == StatusError {
		return
	}

	if smp.Timestamp.IsZero() {
		smp.Timestamp = m.clock.Now()
	}

	kinds, arrived := s.applySample(smp, m.deviate, m.cfg.StepThresholds)
	m.sink.Append(TrackPoint{
		SessionID: s.id,
		Position:  smp.Position,
		Accuracy:  s.accuracy,
		Timestamp: smp.Timestamp,
	})

	if arrived {
		gen, done := s.gen, m.res.done
		m.res.autoStop = m.clock.AfterFunc(m.cfg.AutoStopDelay, func() {
			m.post(done, autoStopMsg{gen: gen})
		})
		s.logger.Info("Arrived at destination",
			logger.Stringer("position", smp.Position),
			logger.Duration("auto_stop_in", m.cfg.AutoStopDelay))
	}

	for _, k := range kinds {
		switch k {
		case EventOffRouteEntered:
			s.logger.Warn("Off route",
				logger.Stringer("position", smp.Position),
				logger.Float64("deviation_m", m.deviate.Deviation(smp.Position, s.path)))
		case EventOffRouteCleared:
			s.logger.Info("Back on route")
		}
	}

	m.emit(kinds...)
}

func (m *Machine) onError(err error) {
	if m.session.status == StatusError {
		return
	}
	le := location.Classify(err)
	m.fail(le, le.Fatal())
}

// fail records a position source error. Fatal errors release the position
// watch and leave the session in StatusError until stopped or replaced. An
// auto-stop already scheduled by arrival still ends the session.
func (m *Machine) fail(le *location.Error, fatal bool) {
	s := m.session
	ev := m.event(EventGPSError)
	ev.ErrorKind = le.Kind
	ev.Message = le.Error()

	if fatal {
		s.status = StatusError
		m.res.release()
		s.logger.Error("Position source failed", logger.Stringer("kind", le.Kind), logger.Error(le))
	} else {
		s.logger.Warn("Position source error", logger.Stringer("kind", le.Kind), logger.Error(le))
	}

	m.listener.OnState(s.snapshot())
	m.listener.OnEvent(ev)
}

// teardown ends the active session, if any, and returns the machine to Off
func (m *Machine) teardown(reason StopReason) {
	s := m.session
	if s == nil {
		return
	}

	m.res.Dispose()
	m.res = nil

	ev := m.event(EventNavigationStopped)
	ev.Reason = reason
	m.session = nil

	s.logger.Info("Navigation stopped",
		logger.String("reason", string(reason)),
		logger.Duration("elapsed", m.clock.Since(s.startedAt)))

	m.sink.SessionEnded(s.id, reason, m.clock.Now())
	m.listener.OnState(m.snapshot())
	m.listener.OnEvent(ev)
}

func (m *Machine) event(kind EventKind) Event {
	ev := Event{Kind: kind, Time: m.clock.Now()}
	if m.session != nil {
		ev.SessionID = m.session.id
	}
	return ev
}

func (m *Machine) emit(kinds ...EventKind) {
	m.listener.OnState(m.session.snapshot())
	for _, k := range kinds {
		m.listener.OnEvent(m.event(k))
	}
}
