package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Event statuses.
const (
	StatusQueued  = "queued"
	StatusWritten = "written"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Store wraps SQLite-backed history of handled events.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The pipeline has a single writer; one connection avoids SQLITE_BUSY
	// between it and the read-side handlers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            source TEXT,
            image_path TEXT,
            image_type TEXT,
            target TEXT,
            status TEXT NOT NULL,
            skip_reason TEXT,
            error_message TEXT,
            received_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS written_files (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_id TEXT NOT NULL,
            record_kind TEXT NOT NULL,
            format TEXT NOT NULL,
            path TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_events_received_at ON events(received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);`,
		`CREATE INDEX IF NOT EXISTS idx_written_files_event_id ON written_files(event_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// EventRecord captures one persisted event.
type EventRecord struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Source      string     `json:"source,omitempty"`
	ImagePath   string     `json:"image_path,omitempty"`
	ImageType   string     `json:"image_type,omitempty"`
	Target      string     `json:"target,omitempty"`
	Status      string     `json:"status"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FileRecord is one metadata file written for an event.
type FileRecord struct {
	EventID    string    `json:"event_id,omitempty"`
	RecordKind string    `json:"record_kind"`
	Format     string    `json:"format"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordEventQueued inserts a queued event.
func (s *Store) RecordEventQueued(rec EventRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO events (id, kind, source, image_path, image_type, target, status, received_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Source, rec.ImagePath, rec.ImageType, rec.Target, rec.Status, rec.ReceivedAt.UTC())
	return err
}

// RecordEventResult finalizes an event with its status and written files.
func (s *Store) RecordEventResult(id, status, skipReason, errMsg string, files []FileRecord) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC()

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE events SET status=?, skip_reason=?, error_message=?, completed_at=? WHERE id=?;`,
		status, skipReason, errMsg, now, id); err != nil {
		return err
	}
	for _, f := range files {
		created := f.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.Exec(`INSERT INTO written_files (event_id, record_kind, format, path, created_at) VALUES (?, ?, ?, ?, ?);`,
			id, f.RecordKind, f.Format, f.Path, created.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentEvents returns the latest events up to limit.
func (s *Store) RecentEvents(limit int) ([]EventRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, source, image_path, image_type, target, status, skip_reason, error_message, received_at, completed_at FROM events ORDER BY received_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EventRecord
	for rows.Next() {
		var rec EventRecord
		var source, imagePath, imageType, target, skip, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Kind, &source, &imagePath, &imageType, &target, &rec.Status, &skip, &errorMsg, &rec.ReceivedAt, &completed); err != nil {
			return nil, err
		}
		rec.Source = source.String
		rec.ImagePath = imagePath.String
		rec.ImageType = imageType.String
		rec.Target = target.String
		rec.SkipReason = skip.String
		rec.Error = errorMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// EventFiles lists the files written for an event.
func (s *Store) EventFiles(id string) ([]FileRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT event_id, record_kind, format, path, created_at FROM written_files WHERE event_id=? ORDER BY id;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.EventID, &f.RecordKind, &f.Format, &f.Path, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CountByStatus returns the number of events per status.
func (s *Store) CountByStatus() (map[string]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM events GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
