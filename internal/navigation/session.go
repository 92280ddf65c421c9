package navigation

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/internal/location"
	"github.com/yegors/safewalk/internal/route"
	"github.com/yegors/safewalk/pkg/logger"
)

// session is the mutable navigation state. Only the machine loop touches it.
type session struct {
	id        string
	gen       uint64
	status    Status
	summary   RouteSummary
	startedAt time.Time
	logger    *logger.Logger

	path         route.Path
	destination  *geo.GeoPoint
	instructions []string

	progress   ProgressEstimator
	hasTarget  bool
	arrival    *ArrivalDetector
	distance   float64
	distText   string
	eta        float64
	etaText    string
	percent    float64
	stepIndex  int
	offRoute   bool
	current    *geo.GeoPoint
	previous   *geo.GeoPoint
	accuracy   *float64
	heading    *float64
	speed      *float64
	elapsedSec int
}

func (s *session) snapshot() State {
	st := State{
		SessionID:               s.id,
		Status:                  s.status,
		Route:                   s.path,
		Destination:             s.destination,
		Summary:                 s.summary,
		CurrentPosition:         s.current,
		PreviousPosition:        s.previous,
		Accuracy:                s.accuracy,
		Heading:                 s.heading,
		Speed:                   s.speed,
		ProgressPercent:         s.percent,
		DistanceRemainingMeters: s.distance,
		DistanceText:            s.distText,
		ETASeconds:              s.eta,
		ETAText:                 s.etaText,
		OffRoute:                s.offRoute,
		Arrived:                 s.arrival.Arrived(),
		StepIndex:               s.stepIndex,
		Instructions:            s.instructions,
		StartedAt:               s.startedAt,
		ElapsedSeconds:          s.elapsedSec,
	}
	if s.stepIndex < len(s.instructions) {
		st.Instruction = s.instructions[s.stepIndex]
	}
	return st
}

// applySample folds one fix into the session and returns the edge events it
// caused. Arrival is reported through the second return value so the caller
// can schedule the auto-stop.
func (s *session) applySample(smp location.Sample, dev DeviationDetector, thresholds []float64) ([]EventKind, bool) {
	pos := smp.Position
	s.previous = s.current
	s.current = &pos
	s.status = StatusTracking

	if smp.Accuracy != nil {
		v := *smp.Accuracy
		s.accuracy = &v
	}
	if smp.Speed != nil {
		v := *smp.Speed
		s.speed = &v
	}
	switch {
	case smp.Heading != nil:
		v := *smp.Heading
		s.heading = &v
	case s.previous != nil:
		v := geo.Bearing(*s.previous, pos)
		s.heading = &v
	}

	var events []EventKind

	offRoute := dev.IsOffRoute(pos, s.path)
	if offRoute != s.offRoute {
		if offRoute {
			events = append(events, EventOffRouteEntered)
		} else {
			events = append(events, EventOffRouteCleared)
		}
		s.offRoute = offRoute
	}

	if s.hasTarget {
		p := s.progress.Estimate(pos)
		s.distance = p.DistanceRemainingMeters
		s.distText = p.DistanceText
		s.eta = p.ETASeconds
		s.etaText = p.ETAText
		s.percent = p.Percent
	}

	arrived := s.arrival.Check(pos)
	if arrived {
		events = append(events, EventArrived)
	}
	if s.arrival.Arrived() {
		s.percent = 100
	}

	s.stepIndex = AdvanceStep(s.stepIndex, s.percent, thresholds, len(s.instructions))
	return events, arrived
}

func (s *session) nextStep() {
	s.stepIndex = clampStep(s.stepIndex+1, len(s.instructions))
}

// disposer owns the external resources of one session. Dispose closes done
// before releasing anything, so producers blocked on the inbox give up
// instead of delivering into a torn down session.
type disposer struct {
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// quiet is closed once the position watch and ticker are released
	quiet       chan struct{}
	releaseOnce sync.Once

	sub      location.Subscription
	autoStop clockwork.Timer
}

func newDisposer() *disposer {
	return &disposer{
		done:  make(chan struct{}),
		quiet: make(chan struct{}),
	}
}

// goTicker runs fn on every tick until the session is released
func (d *disposer) goTicker(clock clockwork.Clock, every time.Duration, fn func()) {
	ticker := clock.NewTicker(every)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-d.quiet:
				return
			case <-ticker.Chan():
				fn()
			}
		}
	}()
}

// release drops the position watch and the ticker but leaves a pending
// auto-stop armed.
func (d *disposer) release() {
	d.releaseOnce.Do(func() {
		close(d.quiet)
		if d.sub != nil {
			d.sub.Unsubscribe()
		}
		d.wg.Wait()
	})
}

func (d *disposer) Dispose() {
	d.once.Do(func() {
		close(d.done)
		if d.autoStop != nil {
			d.autoStop.Stop()
		}
		d.release()
	})
}
