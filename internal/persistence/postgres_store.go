package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib" or "github.com/lib/pq").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresInstanceStore struct {
	db *sql.DB
}

// Ensure PostgresInstanceStore implements InstanceStore.
var _ InstanceStore = (*PostgresInstanceStore)(nil)

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *sql.DB) (*PostgresInstanceStore, error) {
	s := &PostgresInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresInstanceStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			definition_name TEXT NOT NULL,
			definition_version TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			last_sequence BIGINT NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			steps BYTEA,
			context BYTEA,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			completed_at BIGINT,
			error TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (p *PostgresInstanceStore) SaveInstance(inst *api.WorkflowInstance) error {
	steps, contextBlob, completedAt, err := encodeInstanceColumns(inst)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(`
		INSERT INTO instances (id, definition_name, definition_version, tenant_id, status,
			current_step, last_sequence, cancel_requested, steps, context,
			created_at, updated_at, completed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		inst.ID,
		inst.DefinitionName,
		inst.DefinitionVersion,
		inst.TenantID,
		string(inst.Status),
		inst.CurrentStep,
		inst.LastSequence,
		inst.CancelRequested,
		steps,
		contextBlob,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
		completedAt,
		inst.Err,
	)
	return err
}

func (p *PostgresInstanceStore) UpdateInstance(inst *api.WorkflowInstance) error {
	steps, contextBlob, completedAt, err := encodeInstanceColumns(inst)
	if err != nil {
		return err
	}

	// cancel_requested is sticky so a concurrently set marker survives an
	// update carrying an older projection.
	res, err := p.db.Exec(`
		UPDATE instances
		SET status           = $1,
		    current_step     = $2,
		    last_sequence    = $3,
		    cancel_requested = cancel_requested OR $4,
		    steps            = $5,
		    context          = $6,
		    updated_at       = $7,
		    completed_at     = $8,
		    error            = $9
		WHERE id = $10
	`,
		string(inst.Status),
		inst.CurrentStep,
		inst.LastSequence,
		inst.CancelRequested,
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

func (p *PostgresInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	row := p.db.QueryRow(`
		SELECT id, definition_name, definition_version, tenant_id, status,
		       current_step, last_sequence, cancel_requested, steps, context,
		       created_at, updated_at, completed_at, error
		FROM instances
		WHERE id = $1
	`,
		id,
	)
	inst, err := scanPostgresInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (p *PostgresInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, definition_name, definition_version, tenant_id, status,
		       current_step, last_sequence, cancel_requested, steps, context,
		       created_at, updated_at, completed_at, error
		FROM instances`
	var args []any
	var clauses []string

	if filter.DefinitionName != "" {
		clauses = append(clauses, fmt.Sprintf("definition_name = $%d", len(args)+1))
		args = append(args, filter.DefinitionName)
	}
	if filter.TenantID != "" {
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)+1))
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanPostgresInstance(rows)
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

func scanPostgresInstance(row scanner) (*api.WorkflowInstance, error) {
	var (
		inst        api.WorkflowInstance
		statusStr   string
		steps       []byte
		contextBlob []byte
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&inst.ID, &inst.DefinitionName, &inst.DefinitionVersion, &inst.TenantID,
		&statusStr, &inst.CurrentStep, &inst.LastSequence, &inst.CancelRequested,
		&steps, &contextBlob, &createdAt, &updatedAt, &completedAt, &inst.Err,
	); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
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

func (p *PostgresInstanceStore) RequestCancel(ctx context.Context, instanceID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances SET cancel_requested = TRUE, updated_at = $1 WHERE id = $2`,
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

func (p *PostgresInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).UnixNano()
	nowInt := now.UnixNano()

	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (
			lease_owner = ''
			OR lease_expires_at <= $4
			OR lease_owner = $5
		)`,
		owner, expires, instanceID, nowInt, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3 AND lease_expires_at > $4`,
		now.Add(ttl).UnixNano(), instanceID, owner, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrConcurrentExecution
	}
	return nil
}

func (p *PostgresInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND (lease_owner = '' OR lease_owner = $2 OR lease_expires_at <= $3)`,
		instanceID, owner, time.Now().UnixNano(),
	)
	return err
}
