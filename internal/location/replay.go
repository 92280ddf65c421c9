package location

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/pkg/logger"
)

// ReplayStep is one scripted event of a replayed track: either a fix or an
// error kind.
type ReplayStep struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy_m,omitempty"`
	Heading  *float64 `json:"heading_deg,omitempty"`
	Speed    *float64 `json:"speed_mps,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ReplaySource emits a fixed script of steps, one per interval, to each
// subscriber. Each subscription replays from the start.
type ReplaySource struct {
	steps    []ReplayStep
	interval time.Duration
	clock    clockwork.Clock
	logger   *logger.Logger

	mu     sync.Mutex
	active int
}

// NewReplaySource creates a replay source over the given steps
func NewReplaySource(steps []ReplayStep, interval time.Duration, clock clockwork.Clock, logger *logger.Logger) *ReplaySource {
	return &ReplaySource{
		steps:    steps,
		interval: interval,
		clock:    clock,
		logger:   logger.Named("replay-source"),
	}
}

// LoadReplayFile reads a JSON array of ReplayStep
func LoadReplayFile(path string) ([]ReplayStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}

	var steps []ReplayStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse replay file: %w", err)
	}

	for i, st := range steps {
		if st.Error != "" {
			if _, err := ParseErrorKind(st.Error); err != nil {
				return nil, fmt.Errorf("replay step %d: %w", i, err)
			}
		}
	}
	return steps, nil
}

type replaySubscription struct {
	source *ReplaySource
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts replaying on a new goroutine
func (s *ReplaySource) Subscribe(opts Options, onSample func(Sample), onError func(error)) (Subscription, error) {
	if s.interval <= 0 {
		return nil, fmt.Errorf("replay interval must be positive, got %s", s.interval)
	}

	sub := &replaySubscription{source: s, done: make(chan struct{})}

	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	s.logger.Info("Starting replay",
		logger.Int("steps", len(s.steps)),
		logger.Duration("interval", s.interval),
		logger.Bool("high_accuracy", opts.HighAccuracy))

	ticker := s.clock.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for _, step := range s.steps {
			select {
			case <-sub.done:
				return
			case <-ticker.Chan():
			}

			// A tick may race with Unsubscribe
			select {
			case <-sub.done:
				return
			default:
			}

			if step.Error != "" {
				kind, _ := ParseErrorKind(step.Error)
				onError(NewError(kind, nil))
				continue
			}
			onSample(Sample{
				Position:  geo.GeoPoint{Lat: step.Lat, Lng: step.Lng},
				Accuracy:  step.Accuracy,
				Heading:   step.Heading,
				Speed:     step.Speed,
				Timestamp: s.clock.Now(),
			})
		}
		s.logger.Debug("Replay finished")
	}()

	return sub, nil
}

// Unsubscribe stops the replay. Safe to call more than once.
func (sub *replaySubscription) Unsubscribe() {
	sub.once.Do(func() {
		close(sub.done)
		sub.source.mu.Lock()
		sub.source.active--
		sub.source.mu.Unlock()
	})
}

// Active returns the number of subscriptions not yet unsubscribed
func (s *ReplaySource) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
