package sqlite

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yegors/safewalk/internal/lazy"
	"github.com/yegors/safewalk/internal/navigation"
	"github.com/yegors/safewalk/pkg/logger"
)

type opKind int

const (
	opSessionStarted opKind = iota
	opPoint
	opSessionEnded
)

type writeOp struct {
	kind    opKind
	session *SessionRecord
	point   *LocationUpdate
	id      string
	reason  navigation.StopReason
	at      time.Time
}

// AsyncWriter records navigation tracks without blocking the navigation
// loop. Writes are queued and applied by Run; when the queue is full the
// write is dropped.
type AsyncWriter struct {
	storage *lazy.Future[*TrackStorage]
	queue   chan writeOp
	dropped atomic.Uint64
	logger  *logger.Logger
}

var _ navigation.TrackSink = (*AsyncWriter)(nil)

// NewAsyncWriter creates a writer that resolves its storage on first write
func NewAsyncWriter(storage *lazy.Future[*TrackStorage], queueSize int, log *logger.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &AsyncWriter{
		storage: storage,
		queue:   make(chan writeOp, queueSize),
		logger:  log.Named("track-writer"),
	}
}

// SessionStarted implements navigation.TrackSink
func (w *AsyncWriter) SessionStarted(id string, summary navigation.RouteSummary, startedAt time.Time) {
	w.enqueue(writeOp{kind: opSessionStarted, session: &SessionRecord{
		ID:           id,
		RouteID:      summary.RouteID,
		RouteName:    summary.Name,
		Destination:  summary.DestinationText,
		DistanceText: summary.DistanceText,
		DurationText: summary.DurationText,
		Via:          summary.ViaText,
		StartedAt:    startedAt,
		CreatedAt:    time.Now(),
	}})
}

// Append implements navigation.TrackSink
func (w *AsyncWriter) Append(p navigation.TrackPoint) {
	w.enqueue(writeOp{kind: opPoint, point: &LocationUpdate{
		SessionID: p.SessionID,
		Latitude:  p.Position.Lat,
		Longitude: p.Position.Lng,
		Accuracy:  p.Accuracy,
		Timestamp: p.Timestamp,
		CreatedAt: time.Now(),
	}})
}

// SessionEnded implements navigation.TrackSink
func (w *AsyncWriter) SessionEnded(id string, reason navigation.StopReason, endedAt time.Time) {
	w.enqueue(writeOp{kind: opSessionEnded, id: id, reason: reason, at: endedAt})
}

// Dropped returns how many writes were discarded because the queue was full
func (w *AsyncWriter) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *AsyncWriter) enqueue(op writeOp) {
	select {
	case w.queue <- op:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("Track queue full, dropping write",
			logger.Int("kind", int(op.kind)),
			logger.Uint64("dropped_total", n))
	}
}

// Run applies queued writes until ctx is cancelled, then flushes what is
// already queued.
func (w *AsyncWriter) Run(ctx context.Context) error {
	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-ctx.Done():
			w.flush()
			return nil
		}
	}
}

func (w *AsyncWriter) flush() {
	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		default:
			return
		}
	}
}

// apply writes one op. Storage resolution is not tied to Run's context so
// the final flush can still open the database.
func (w *AsyncWriter) apply(op writeOp) {
	storage, err := w.storage.Get(context.Background())
	if err != nil {
		w.logger.Error("Track storage unavailable", logger.Error(err))
		return
	}

	switch op.kind {
	case opSessionStarted:
		err = storage.StoreSession(op.session)
	case opPoint:
		_, err = storage.StorePoint(op.point)
	case opSessionEnded:
		err = storage.FinishSession(op.id, string(op.reason), op.at)
	}
	if err != nil {
		w.logger.Error("Failed to write track", logger.Int("kind", int(op.kind)), logger.Error(err))
	}
}
