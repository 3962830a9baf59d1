// Package postgres provides a registry, identifier counter store and
// deployment binding table on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// Schema creates the registry tables if they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS objects (
	pid TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	label TEXT NOT NULL,
	state TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deployment_bindings (
	seq BIGSERIAL PRIMARY KEY,
	deployment_id TEXT NOT NULL,
	content_model TEXT NOT NULL,
	service_definition TEXT NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT deployment_bindings_context_key UNIQUE (deployment_id, content_model, service_definition)
);

CREATE TABLE IF NOT EXISTS pid_counters (
	namespace TEXT PRIMARY KEY,
	high BIGINT NOT NULL
);
`

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// DB is a DBTX that can start transactions, such as *pgxpool.Pool or
// *pgx.Conn.
type DB interface {
	DBTX
	Begin(context.Context) (pgx.Tx, error)
}

// Registry implements objectstore.Registry, objectstore.CounterStore and
// objectstore.BindingSource using PostgreSQL
type Registry struct {
	db DB
}

var (
	_ objectstore.Registry      = (*Registry)(nil)
	_ objectstore.CounterStore  = (*Registry)(nil)
	_ objectstore.BindingSource = (*Registry)(nil)
)

// New creates a registry over db. The tables in Schema must exist.
func New(db DB) *Registry {
	return &Registry{db: db}
}

// NewWithPool creates a registry with a connection pool
func NewWithPool(pool *pgxpool.Pool) *Registry {
	return &Registry{db: pool}
}

// EnsureSchema creates missing tables.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, Schema)
	return handlePostgresError("schema", "", err)
}

// Error handling helper
func handlePostgresError(operation, key string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if pgErr.ConstraintName == "objects_pkey" {
				return objectstore.ErrObjectExists
			}
			return &objectstore.StorageError{Backend: "postgres", Op: operation, Key: key, Err: fmt.Errorf("duplicate entry: %s", pgErr.ConstraintName)}
		case "42P01": // undefined_table
			return &objectstore.StorageError{Backend: "postgres", Op: operation, Key: key, Err: errors.New("table does not exist - database migration required")}
		}
		return &objectstore.StorageError{Backend: "postgres", Op: operation, Key: key, Err: fmt.Errorf("%s (code: %s)", pgErr.Message, pgErr.Code)}
	}
	return objectstore.DeviceError("postgres", operation, key, err)
}

func (r *Registry) Exists(ctx context.Context, pid string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM objects WHERE pid = $1)`, pid).Scan(&ok)
	if err != nil {
		return false, handlePostgresError("exists", pid, err)
	}
	return ok, nil
}

func (r *Registry) Register(ctx context.Context, entry objectstore.RegistryEntry) error {
	query := `
		INSERT INTO objects (pid, owner_id, label, state, version, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`

	_, err := r.db.Exec(ctx, query, entry.PID, entry.OwnerID, entry.Label, string(entry.State), entry.CreatedAt.UTC())
	return handlePostgresError("register", entry.PID, err)
}

func (r *Registry) Unregister(ctx context.Context, pid string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM objects WHERE pid = $1`, pid)
	if err != nil {
		return handlePostgresError("unregister", pid, err)
	}
	if tag.RowsAffected() == 0 {
		return objectstore.ErrObjectNotFound
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, pid string) (*objectstore.RegistryEntry, error) {
	query := `
		SELECT owner_id, label, state, version, created_at
		FROM objects WHERE pid = $1`

	e := objectstore.RegistryEntry{PID: pid}
	var state string
	err := r.db.QueryRow(ctx, query, pid).Scan(&e.OwnerID, &e.Label, &state, &e.Version, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, objectstore.ErrObjectNotFound
	}
	if err != nil {
		return nil, handlePostgresError("get", pid, err)
	}
	e.State = objectstore.State(state)
	return &e, nil
}

// Update runs fn in a transaction and commits it if fn succeeds.
func (r *Registry) Update(ctx context.Context, fn func(tx objectstore.RegistryTx) error) error {
	pgTx, err := r.db.Begin(ctx)
	if err != nil {
		return handlePostgresError("begin", "", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&tx{db: pgTx}); err != nil {
		return err
	}
	return handlePostgresError("commit", "", pgTx.Commit(ctx))
}

// ListBindings lists bindings in the order they were first stored.
func (r *Registry) ListBindings(ctx context.Context, fn func(objectstore.DeploymentBinding) error) error {
	query := `
		SELECT deployment_id, content_model, service_definition, modified_at
		FROM deployment_bindings ORDER BY seq`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return handlePostgresError("list_bindings", "", err)
	}
	bindings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (objectstore.DeploymentBinding, error) {
		var b objectstore.DeploymentBinding
		err := row.Scan(&b.DeploymentID, &b.Context.ContentModel, &b.Context.ServiceDefinition, &b.ModifiedAt)
		return b, err
	})
	if err != nil {
		return handlePostgresError("list_bindings", "", err)
	}
	for _, b := range bindings {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) LoadCounters(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT namespace, high FROM pid_counters`)
	if err != nil {
		return nil, handlePostgresError("load_counters", "", err)
	}
	defer rows.Close()

	marks := make(map[string]int64)
	for rows.Next() {
		var (
			ns   string
			high int64
		)
		if err := rows.Scan(&ns, &high); err != nil {
			return nil, handlePostgresError("load_counters", "", err)
		}
		marks[ns] = high
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("load_counters", "", err)
	}
	return marks, nil
}

func (r *Registry) SaveCounter(ctx context.Context, namespace string, high int64) error {
	query := `
		INSERT INTO pid_counters (namespace, high) VALUES ($1, $2)
		ON CONFLICT (namespace) DO UPDATE SET high = EXCLUDED.high`

	_, err := r.db.Exec(ctx, query, namespace, high)
	return handlePostgresError("save_counter", namespace, err)
}

type tx struct {
	db DBTX
}

func (t *tx) IncrementVersion(ctx context.Context, pid, ownerID, label string, state objectstore.State) (int64, error) {
	query := `
		UPDATE objects SET version = version + 1, owner_id = $2, label = $3, state = $4
		WHERE pid = $1 RETURNING version`

	var version int64
	err := t.db.QueryRow(ctx, query, pid, ownerID, label, string(state)).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, objectstore.ErrObjectNotFound
	}
	if err != nil {
		return 0, handlePostgresError("increment_version", pid, err)
	}
	return version, nil
}

func (t *tx) PutBinding(ctx context.Context, b objectstore.DeploymentBinding) error {
	query := `
		INSERT INTO deployment_bindings (deployment_id, content_model, service_definition, modified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT deployment_bindings_context_key DO UPDATE SET modified_at = EXCLUDED.modified_at`

	_, err := t.db.Exec(ctx, query, b.DeploymentID, b.Context.ContentModel, b.Context.ServiceDefinition, b.ModifiedAt.UTC())
	return handlePostgresError("put_binding", b.DeploymentID, err)
}

func (t *tx) DeleteBinding(ctx context.Context, deploymentID string, sc objectstore.ServiceContext) error {
	query := `
		DELETE FROM deployment_bindings
		WHERE deployment_id = $1 AND content_model = $2 AND service_definition = $3`

	_, err := t.db.Exec(ctx, query, deploymentID, sc.ContentModel, sc.ServiceDefinition)
	return handlePostgresError("delete_binding", deploymentID, err)
}
