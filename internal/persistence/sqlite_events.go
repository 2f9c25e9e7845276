package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/meridianpay/saga/pkg/api"
)

// SQLiteEventStore is an append-only EventStore backed by SQLite.
// It shares the *sql.DB with SQLiteInstanceStore.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ EventStore = (*SQLiteEventStore)(nil)

// NewSQLiteEventStore initializes the events schema and returns the store.
func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);`,
	)
	return err
}

func (s *SQLiteEventStore) Append(ctx context.Context, instanceID string, expectedLastSeq int64, ev api.Event) (int64, error) {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = ?`,
		instanceID,
	).Scan(&last)
	if err != nil {
		return 0, err
	}
	if last != expectedLastSeq {
		return 0, api.ErrSequenceConflict
	}

	seq := last + 1
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// The primary key on (instance_id, seq) backstops the check above
	// against a concurrent writer on a shared database file.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, seq, id, type, step_id, payload, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		instanceID, seq, ev.ID, string(ev.Type), ev.StepID, payload, ev.At.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLiteEventStore) Read(ctx context.Context, instanceID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, type, step_id, payload, at
		 FROM events WHERE instance_id = ? ORDER BY seq`,
		instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []api.Event
	for rows.Next() {
		var (
			ev      api.Event
			typeStr string
			payload []byte
			at      int64
		)
		if err := rows.Scan(&ev.Sequence, &ev.ID, &typeStr, &ev.StepID, &payload, &at); err != nil {
			return nil, err
		}
		ev.InstanceID = instanceID
		ev.Type = api.EventType(typeStr)
		ev.At = time.Unix(0, at)
		ev.Payload, err = DecodeValue[map[string]any](payload)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLiteEventStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = ?`,
		instanceID,
	).Scan(&last)
	if err != nil {
		return 0, err
	}
	return last, nil
}
