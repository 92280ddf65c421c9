// Package animation smooths the displayed marker position between raw
// position fixes.
package animation

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/pkg/logger"
)

// Frame is one displayed marker position. Fraction is the eased progress of
// the interpolation that produced it; snaps and final frames carry 1.
type Frame struct {
	Position geo.GeoPoint `json:"position"`
	Target   geo.GeoPoint `json:"target"`
	Fraction float64      `json:"fraction"`
	Final    bool         `json:"final"`
	Time     time.Time    `json:"time"`
}

// FrameSink receives frames. OnFrame is called without the animator lock
// held, from either the SetTarget caller or the animator goroutine.
type FrameSink interface {
	OnFrame(Frame)
}

// FrameSinkFunc adapts a function to FrameSink
type FrameSinkFunc func(Frame)

func (f FrameSinkFunc) OnFrame(fr Frame) { f(fr) }

// Config tunes the animator
type Config struct {
	Duration      time.Duration
	FrameInterval time.Duration
}

// DefaultConfig returns a one second animation at roughly 60 frames per second
func DefaultConfig() Config {
	return Config{
		Duration:      time.Second,
		FrameInterval: 16 * time.Millisecond,
	}
}

// EaseOutCubic maps linear progress t in [0, 1] to 1 - (1 - t)^3
func EaseOutCubic(t float64) float64 {
	return 1 - math.Pow(1-t, 3)
}

type interpolation struct {
	from  geo.GeoPoint
	to    geo.GeoPoint
	start time.Time
}

// Animator interpolates the displayed position towards the latest target.
// A target set while an interpolation is in flight replaces it, starting
// from wherever the marker is displayed at that moment.
type Animator struct {
	cfg    Config
	clock  clockwork.Clock
	logger *logger.Logger

	mu        sync.Mutex
	displayed *geo.GeoPoint
	anim      *interpolation
	sinks     []FrameSink

	wake chan struct{}
}

// New creates an animator. Run drives frames for in-flight interpolations.
func New(cfg Config, clock clockwork.Clock, log *logger.Logger, sinks ...FrameSink) *Animator {
	def := DefaultConfig()
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	return &Animator{
		cfg:    cfg,
		clock:  clock,
		logger: log.Named("animator"),
		sinks:  sinks,
		wake:   make(chan struct{}, 1),
	}
}

// AddSink registers another frame receiver
func (a *Animator) AddSink(s FrameSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, s)
}

// SetTarget moves the marker towards p. The first target after creation or
// Reset is shown immediately.
func (a *Animator) SetTarget(p geo.GeoPoint) {
	now := a.clock.Now()

	a.mu.Lock()
	if a.displayed == nil {
		a.displayed = &p
		a.anim = nil
		fr := Frame{Position: p, Target: p, Fraction: 1, Final: true, Time: now}
		sinks := a.sinks
		a.mu.Unlock()

		a.publish(sinks, fr)
		return
	}

	a.anim = &interpolation{from: *a.displayed, to: p, start: now}
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Reset forgets the displayed position and drops any interpolation
func (a *Animator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.displayed = nil
	a.anim = nil
}

// Displayed returns the current displayed position
func (a *Animator) Displayed() (geo.GeoPoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.displayed == nil {
		return geo.GeoPoint{}, false
	}
	return *a.displayed, true
}

// Animating reports whether an interpolation is in flight
func (a *Animator) Animating() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.anim != nil
}

// Run emits frames on a ticker while an interpolation is in flight and
// idles otherwise. It returns when ctx is cancelled.
func (a *Animator) Run(ctx context.Context) error {
	a.logger.Debug("Animator started",
		logger.Duration("duration", a.cfg.Duration),
		logger.Duration("frame_interval", a.cfg.FrameInterval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.wake:
		}

		ticker := a.clock.NewTicker(a.cfg.FrameInterval)
		for a.Animating() {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return nil
			case <-ticker.Chan():
				a.tick(a.clock.Now())
			}
		}
		ticker.Stop()
	}
}

// tick advances the in-flight interpolation to now and publishes the frame.
// It returns false when nothing was in flight.
func (a *Animator) tick(now time.Time) bool {
	a.mu.Lock()
	anim := a.anim
	if anim == nil {
		a.mu.Unlock()
		return false
	}

	t := float64(now.Sub(anim.start)) / float64(a.cfg.Duration)
	t = math.Min(1, math.Max(0, t))
	eased := EaseOutCubic(t)

	pos := geo.Lerp(anim.from, anim.to, eased)
	final := t >= 1
	if final {
		pos = anim.to
		a.anim = nil
	}
	a.displayed = &pos
	sinks := a.sinks
	a.mu.Unlock()

	a.publish(sinks, Frame{Position: pos, Target: anim.to, Fraction: eased, Final: final, Time: now})
	return true
}

func (a *Animator) publish(sinks []FrameSink, fr Frame) {
	for _, s := range sinks {
		s.OnFrame(fr)
	}
}
