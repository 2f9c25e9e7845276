package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			definition_name TEXT NOT NULL,
			definition_version TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			last_sequence INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			steps BLOB,
			context BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS instance_leases (
			instance_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteInstanceStore) SaveInstance(inst *api.WorkflowInstance) error {
	steps, contextBlob, completedAt, err := encodeInstanceColumns(inst)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO instances (id, definition_name, definition_version, tenant_id, status,
			current_step, last_sequence, cancel_requested, steps, context,
			created_at, updated_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.DefinitionName,
		inst.DefinitionVersion,
		inst.TenantID,
		string(inst.Status),
		inst.CurrentStep,
		inst.LastSequence,
		boolToInt(inst.CancelRequested),
		steps,
		contextBlob,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
		completedAt,
		inst.Err,
	)
	return err
}

func (s *SQLiteInstanceStore) UpdateInstance(inst *api.WorkflowInstance) error {
	steps, contextBlob, completedAt, err := encodeInstanceColumns(inst)
	if err != nil {
		return err
	}

	// cancel_requested is sticky: a concurrently set marker survives an
	// engine-side update that still carries the old projection.
	res, err := s.db.Exec(`
		UPDATE instances
		SET status = ?, current_step = ?, last_sequence = ?,
		    cancel_requested = MAX(cancel_requested, ?),
		    steps = ?, context = ?, updated_at = ?, completed_at = ?, error = ?
		WHERE id = ?`,
		string(inst.Status),
		inst.CurrentStep,
		inst.LastSequence,
		boolToInt(inst.CancelRequested),
		steps,
		contextBlob,
		inst.UpdatedAt.UnixNano(),
		completedAt,
		inst.Err,
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRow(`
		SELECT id, definition_name, definition_version, tenant_id, status,
		       current_step, last_sequence, cancel_requested, steps, context,
		       created_at, updated_at, completed_at, error
		FROM instances
		WHERE id = ?`,
		id,
	)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, definition_name, definition_version, tenant_id, status,
		       current_step, last_sequence, cancel_requested, steps, context,
		       created_at, updated_at, completed_at, error
		FROM instances`
	var args []any
	var clauses []string

	if filter.DefinitionName != "" {
		clauses = append(clauses, "definition_name = ?")
		args = append(args, filter.DefinitionName)
	}
	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *SQLiteInstanceStore) RequestCancel(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), instanceID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_leases (instance_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE instance_leases.owner = excluded.owner
		   OR instance_leases.expires_at <= ?`,
		instanceID, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instance_leases
		SET expires_at = ?
		WHERE instance_id = ? AND owner = ? AND expires_at > ?`,
		now.Add(ttl).UnixNano(), instanceID, owner, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrConcurrentExecution
	}
	return nil
}

func (s *SQLiteInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	// Idempotent: releasing a missing or expired lease succeeds.
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM instance_leases
		WHERE instance_id = ? AND (owner = ? OR expires_at <= ?)`,
		instanceID, owner, time.Now().UnixNano(),
	)
	return err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func encodeInstanceColumns(inst *api.WorkflowInstance) (steps, contextBlob []byte, completedAt any, err error) {
	steps, err = EncodeValue(inst.Steps)
	if err != nil {
		return nil, nil, nil, err
	}
	contextBlob, err = EncodeValue(inst.Context)
	if err != nil {
		return nil, nil, nil, err
	}
	if inst.CompletedAt != nil {
		completedAt = inst.CompletedAt.UnixNano()
	}
	return steps, contextBlob, completedAt, nil
}

func scanInstance(row scanner) (*api.WorkflowInstance, error) {
	var (
		inst        api.WorkflowInstance
		statusStr   string
		cancelInt   int
		steps       []byte
		contextBlob []byte
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&inst.ID, &inst.DefinitionName, &inst.DefinitionVersion, &inst.TenantID,
		&statusStr, &inst.CurrentStep, &inst.LastSequence, &cancelInt,
		&steps, &contextBlob, &createdAt, &updatedAt, &completedAt, &inst.Err,
	); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
	inst.CancelRequested = cancelInt != 0
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		inst.CompletedAt = &t
	}

	stepsVal, err := DecodeValue[[]api.SagaStep](steps)
	if err != nil {
		return nil, err
	}
	inst.Steps = stepsVal

	ctxVal, err := DecodeValue[map[string]any](contextBlob)
	if err != nil {
		return nil, err
	}
	inst.Context = ctxVal

	return &inst, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
