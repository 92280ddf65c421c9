package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/safewalk/pkg/logger"
)

// ErrSessionNotFound is returned when a session id is unknown
var ErrSessionNotFound = errors.New("session not found")

// TrackStorage handles storage of sessions and their location updates
type TrackStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTrackStorage creates the tables if needed and returns the storage
func NewTrackStorage(db *sql.DB, log *logger.Logger) (*TrackStorage, error) {
	storage := &TrackStorage{
		db:     db,
		logger: log.Named("sqlite-tracks"),
	}

	if err := storage.initDB(); err != nil {
		return nil, err
	}
	return storage, nil
}

// initDB initializes the database tables
func (s *TrackStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL,
			route_name TEXT,
			destination TEXT,
			distance_text TEXT,
			duration_text TEXT,
			via TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			stop_reason TEXT,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS location_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy REAL,
			timestamp TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create location_updates table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_location_updates_session_id ON location_updates(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_location_updates_timestamp ON location_updates(timestamp)`,
	}

	for _, indexSQL := range indexes {
		if _, err = s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create track index: %w", err)
		}
	}

	return nil
}

// StoreSession stores a new session record
func (s *TrackStorage) StoreSession(record *SessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions
		(id, route_id, route_name, destination, distance_text, duration_text, via, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RouteID,
		record.RouteName,
		record.Destination,
		record.DistanceText,
		record.DurationText,
		record.Via,
		record.StartedAt.UTC().Format(time.RFC3339Nano),
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// FinishSession records when and why a session ended
func (s *TrackStorage) FinishSession(id string, reason string, endedAt time.Time) error {
	result, err := s.db.Exec(
		`UPDATE sessions
		SET ended_at = ?, stop_reason = ?
		WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		reason,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// StorePoint stores a location update and returns its id
func (s *TrackStorage) StorePoint(p *LocationUpdate) (int64, error) {
	var accuracy sql.NullFloat64
	if p.Accuracy != nil {
		accuracy = sql.NullFloat64{Float64: *p.Accuracy, Valid: true}
	}

	result, err := s.db.Exec(
		`INSERT INTO location_updates
		(session_id, latitude, longitude, accuracy, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.SessionID,
		p.Latitude,
		p.Longitude,
		accuracy,
		p.Timestamp.UTC().Format(time.RFC3339Nano),
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert location update: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// GetPointsBySession returns a session's location updates in recording order
func (s *TrackStorage) GetPointsBySession(sessionID string) ([]*LocationUpdate, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, latitude, longitude, accuracy, timestamp, created_at
		FROM location_updates
		WHERE session_id = ?
		ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query location updates: %w", err)
	}
	defer rows.Close()

	var points []*LocationUpdate
	for rows.Next() {
		var p LocationUpdate
		var accuracy sql.NullFloat64
		var timestamp, createdAt string

		if err := rows.Scan(&p.ID, &p.SessionID, &p.Latitude, &p.Longitude, &accuracy, &timestamp, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan location update: %w", err)
		}
		if accuracy.Valid {
			v := accuracy.Float64
			p.Accuracy = &v
		}
		if p.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		points = append(points, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate location updates: %w", err)
	}

	return points, nil
}

const sessionColumns = `s.id, s.route_id, s.route_name, s.destination, s.distance_text, s.duration_text, s.via,
	s.started_at, s.ended_at, s.stop_reason, s.created_at,
	(SELECT COUNT(*) FROM location_updates u WHERE u.session_id = s.id)`

// GetSession returns a single session
func (s *TrackStorage) GetSession(id string) (*SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+`
		FROM sessions s
		WHERE s.id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	records, err := s.scanSessionRows(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrSessionNotFound
	}
	return records[0], nil
}

// GetRecentSessions returns the most recently started sessions
func (s *TrackStorage) GetRecentSessions(limit int) ([]*SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+`
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer rows.Close()

	return s.scanSessionRows(rows)
}

// scanSessionRows scans database rows into SessionRecord structs
func (s *TrackStorage) scanSessionRows(rows *sql.Rows) ([]*SessionRecord, error) {
	var records []*SessionRecord
	for rows.Next() {
		var record SessionRecord
		var startedAt, createdAt string
		var routeName, destination, distanceText, durationText, via, endedAt, stopReason sql.NullString

		if err := rows.Scan(
			&record.ID,
			&record.RouteID,
			&routeName,
			&destination,
			&distanceText,
			&durationText,
			&via,
			&startedAt,
			&endedAt,
			&stopReason,
			&createdAt,
			&record.PointCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		var err error
		if record.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if record.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			t, err := parseTime(endedAt.String)
			if err != nil {
				return nil, err
			}
			record.EndedAt = &t
		}

		record.RouteName = routeName.String
		record.Destination = destination.String
		record.DistanceText = distanceText.String
		record.DurationText = durationText.String
		record.Via = via.String
		record.StopReason = stopReason.String

		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return records, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Close closes the underlying database
func (s *TrackStorage) Close() error {
	return s.db.Close()
}
