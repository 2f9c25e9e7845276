package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianpay/saga/pkg/api"
)

// PostgresEventStore is an append-only EventStore backed by PostgreSQL.
// It shares the *sql.DB with PostgresInstanceStore.
type PostgresEventStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventStore)(nil)

// NewPostgresEventStore initializes the events schema and returns the store.
func NewPostgresEventStore(db *sql.DB) (*PostgresEventStore, error) {
	s := &PostgresEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresEventStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			at BIGINT NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);
	`)
	return err
}

func (p *PostgresEventStore) Append(ctx context.Context, instanceID string, expectedLastSeq int64, ev api.Event) (int64, error) {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return 0, err
	}

	seq := expectedLastSeq + 1
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// The conditional insert enforces both the gapless sequence and the
	// expected-last-sequence check in one statement: the row is written
	// only if expectedLastSeq matches the stream's current maximum.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO events (instance_id, seq, id, type, step_id, payload, at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE (SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = $1) = $8
	`,
		instanceID, seq, ev.ID, string(ev.Type), ev.StepID, payload, ev.At.UnixNano(), expectedLastSeq,
	)
	if err != nil {
		// A concurrent writer racing to the same sequence trips the
		// primary key instead of the WHERE clause.
		if isPostgresUniqueViolation(err) {
			return 0, api.ErrSequenceConflict
		}
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, api.ErrSequenceConflict
	}
	return seq, nil
}

func (p *PostgresEventStore) Read(ctx context.Context, instanceID string) ([]api.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, id, type, step_id, payload, at
		FROM events WHERE instance_id = $1 ORDER BY seq
	`,
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

func (p *PostgresEventStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	var last int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = $1`,
		instanceID,
	).Scan(&last)
	if err != nil {
		return 0, err
	}
	return last, nil
}

// isPostgresUniqueViolation matches SQLSTATE 23505 without depending on a
// specific driver's error type.
func isPostgresUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
