// Package sqlite provides a registry, identifier counter store and
// deployment binding table on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver for sql.Open
	"github.com/pkg/errors"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// Schema is the SQL that New executes. It creates the tables if they do not
// exist.
const Schema = `
CREATE TABLE IF NOT EXISTS objects (
  pid TEXT PRIMARY KEY NOT NULL,
  owner_id TEXT NOT NULL,
  label TEXT NOT NULL,
  state TEXT NOT NULL,
  version INTEGER NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS deployment_bindings (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  deployment_id TEXT NOT NULL,
  content_model TEXT NOT NULL,
  service_definition TEXT NOT NULL,
  modified_at TEXT NOT NULL,
  UNIQUE (deployment_id, content_model, service_definition)
);

CREATE TABLE IF NOT EXISTS pid_counters (
  namespace TEXT PRIMARY KEY NOT NULL,
  high INTEGER NOT NULL
);
`

// Registry implements objectstore.Registry, objectstore.CounterStore and
// objectstore.BindingSource on a SQLite database.
type Registry struct {
	db *sql.DB
}

var (
	_ objectstore.Registry      = (*Registry)(nil)
	_ objectstore.CounterStore  = (*Registry)(nil)
	_ objectstore.BindingSource = (*Registry)(nil)
)

// Open opens the database at conn and prepares the schema.
func Open(ctx context.Context, conn string) (*Registry, error) {
	db, err := sql.Open("sqlite3", conn)
	if err != nil {
		return nil, errors.Wrap(err, "opening db")
	}
	// SQLite serializes writers; one connection avoids busy errors and
	// keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	r, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New produces a Registry using db, creating the tables in Schema if needed.
func New(ctx context.Context, db *sql.DB) (*Registry, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, wrap("schema", "", errors.Wrap(err, "creating schema"))
	}
	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func wrap(op, key string, err error) error {
	return objectstore.DeviceError("sqlite", op, key, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (r *Registry) Exists(ctx context.Context, pid string) (bool, error) {
	const q = `SELECT COUNT(*) FROM objects WHERE pid = $1`
	var n int
	if err := r.db.QueryRowContext(ctx, q, pid).Scan(&n); err != nil {
		return false, wrap("exists", pid, err)
	}
	return n > 0, nil
}

func (r *Registry) Register(ctx context.Context, entry objectstore.RegistryEntry) error {
	const q = `INSERT INTO objects (pid, owner_id, label, state, version, created_at)
		VALUES ($1, $2, $3, $4, 0, $5) ON CONFLICT DO NOTHING`

	res, err := r.db.ExecContext(ctx, q, entry.PID, entry.OwnerID, entry.Label, string(entry.State), formatTime(entry.CreatedAt))
	if err != nil {
		return wrap("register", entry.PID, errors.Wrap(err, "inserting object"))
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return wrap("register", entry.PID, errors.Wrap(err, "counting affected rows"))
	}
	if aff == 0 {
		return objectstore.ErrObjectExists
	}
	return nil
}

func (r *Registry) Unregister(ctx context.Context, pid string) error {
	const q = `DELETE FROM objects WHERE pid = $1`

	res, err := r.db.ExecContext(ctx, q, pid)
	if err != nil {
		return wrap("unregister", pid, errors.Wrap(err, "deleting object"))
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return wrap("unregister", pid, errors.Wrap(err, "counting affected rows"))
	}
	if aff == 0 {
		return objectstore.ErrObjectNotFound
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, pid string) (*objectstore.RegistryEntry, error) {
	const q = `SELECT owner_id, label, state, version, created_at FROM objects WHERE pid = $1`

	var (
		e       = objectstore.RegistryEntry{PID: pid}
		state   string
		created string
	)
	err := r.db.QueryRowContext(ctx, q, pid).Scan(&e.OwnerID, &e.Label, &state, &e.Version, &created)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, objectstore.ErrObjectNotFound
	}
	if err != nil {
		return nil, wrap("get", pid, err)
	}
	e.State = objectstore.State(state)
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, wrap("get", pid, errors.Wrapf(err, "parsing time %s", created))
	}
	return &e, nil
}

// Update runs fn inside a database transaction.
func (r *Registry) Update(ctx context.Context, fn func(tx objectstore.RegistryTx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("update", "", errors.Wrap(err, "beginning transaction"))
	}
	if err := fn(&tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return wrap("update", "", errors.Wrap(sqlTx.Commit(), "committing transaction"))
}

// ListBindings lists bindings in the order they were first stored.
func (r *Registry) ListBindings(ctx context.Context, fn func(objectstore.DeploymentBinding) error) error {
	const q = `SELECT deployment_id, content_model, service_definition, modified_at
		FROM deployment_bindings ORDER BY seq`

	var bindings []objectstore.DeploymentBinding
	err := sqlutil.ForQueryRows(ctx, r.db, q, func(id, cm, sdef, modified string) error {
		at, err := time.Parse(time.RFC3339Nano, modified)
		if err != nil {
			return errors.Wrapf(err, "parsing time %s", modified)
		}
		bindings = append(bindings, objectstore.DeploymentBinding{
			Context:      objectstore.ServiceContext{ContentModel: cm, ServiceDefinition: sdef},
			DeploymentID: id,
			ModifiedAt:   at,
		})
		return nil
	})
	if err != nil {
		return wrap("list_bindings", "", err)
	}
	// Rows are closed before fn runs, so fn may use the registry.
	for _, b := range bindings {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) LoadCounters(ctx context.Context) (map[string]int64, error) {
	const q = `SELECT namespace, high FROM pid_counters`

	marks := make(map[string]int64)
	err := sqlutil.ForQueryRows(ctx, r.db, q, func(ns string, high int64) {
		marks[ns] = high
	})
	if err != nil {
		return nil, wrap("load_counters", "", err)
	}
	return marks, nil
}

func (r *Registry) SaveCounter(ctx context.Context, namespace string, high int64) error {
	const q = `INSERT INTO pid_counters (namespace, high) VALUES ($1, $2)
		ON CONFLICT (namespace) DO UPDATE SET high = excluded.high`

	_, err := r.db.ExecContext(ctx, q, namespace, high)
	return wrap("save_counter", namespace, errors.Wrap(err, "saving counter"))
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) IncrementVersion(ctx context.Context, pid, ownerID, label string, state objectstore.State) (int64, error) {
	const q = `UPDATE objects SET version = version + 1, owner_id = $2, label = $3, state = $4
		WHERE pid = $1 RETURNING version`

	var version int64
	err := t.tx.QueryRowContext(ctx, q, pid, ownerID, label, string(state)).Scan(&version)
	if stderrs.Is(err, sql.ErrNoRows) {
		return 0, objectstore.ErrObjectNotFound
	}
	if err != nil {
		return 0, wrap("increment_version", pid, err)
	}
	return version, nil
}

func (t *tx) PutBinding(ctx context.Context, b objectstore.DeploymentBinding) error {
	const q = `INSERT INTO deployment_bindings (deployment_id, content_model, service_definition, modified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (deployment_id, content_model, service_definition) DO UPDATE SET modified_at = excluded.modified_at`

	_, err := t.tx.ExecContext(ctx, q, b.DeploymentID, b.Context.ContentModel, b.Context.ServiceDefinition, formatTime(b.ModifiedAt))
	return wrap("put_binding", b.DeploymentID, errors.Wrap(err, "storing binding"))
}

func (t *tx) DeleteBinding(ctx context.Context, deploymentID string, sc objectstore.ServiceContext) error {
	const q = `DELETE FROM deployment_bindings
		WHERE deployment_id = $1 AND content_model = $2 AND service_definition = $3`

	_, err := t.tx.ExecContext(ctx, q, deploymentID, sc.ContentModel, sc.ServiceDefinition)
	return wrap("delete_binding", deploymentID, errors.Wrap(err, "deleting binding"))
}
