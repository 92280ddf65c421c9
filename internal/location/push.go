package location

import (
	"sync"

	"github.com/yegors/safewalk/pkg/logger"
)

// PushSource delivers samples and errors injected by the caller, e.g. a
// device posting fixes to the HTTP API. Every active subscription receives
// every pushed sample.
type PushSource struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*pushSubscription
	logger *logger.Logger
}

type pushSubscription struct {
	id       int
	source   *PushSource
	onSample func(Sample)
	onError  func(error)
	once     sync.Once
}

// NewPushSource creates a new push source
func NewPushSource(logger *logger.Logger) *PushSource {
	return &PushSource{
		subs:   make(map[int]*pushSubscription),
		logger: logger.Named("push-source"),
	}
}

// Subscribe registers callbacks for subsequently pushed samples
func (s *PushSource) Subscribe(opts Options, onSample func(Sample), onError func(error)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &pushSubscription{
		id:       s.nextID,
		source:   s,
		onSample: onSample,
		onError:  onError,
	}
	s.subs[sub.id] = sub

	s.logger.Debug("Subscription added",
		logger.Int("subscription_id", sub.id),
		logger.Bool("high_accuracy", opts.HighAccuracy),
		logger.Duration("max_cache_age", opts.MaxCacheAge),
		logger.Duration("timeout", opts.Timeout))

	return sub, nil
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (sub *pushSubscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.source.mu.Lock()
		delete(sub.source.subs, sub.id)
		sub.source.mu.Unlock()

		sub.source.logger.Debug("Subscription removed", logger.Int("subscription_id", sub.id))
	})
}

// Push delivers a sample to all active subscriptions and returns how many
// received it.
func (s *PushSource) Push(sample Sample) int {
	subs := s.snapshot()
	for _, sub := range subs {
		sub.onSample(sample)
	}
	return len(subs)
}

// PushError delivers an error to all active subscriptions
func (s *PushSource) PushError(err error) int {
	subs := s.snapshot()
	for _, sub := range subs {
		sub.onError(err)
	}
	return len(subs)
}

// Active returns the number of live subscriptions
func (s *PushSource) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *PushSource) snapshot() []*pushSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]*pushSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}
