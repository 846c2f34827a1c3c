// Package rowop turns decoded row payloads into parameterised statements and
// applies them to the target store. Column lists follow payload order, and
// the WHERE predicate for UPDATE and DELETE comes from the per-table key
// policy, never from the payload shape.
package rowop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/payload"
	"github.com/tillbridge/tillbridge/internal/store"
)

// Row operations accepted off the wire.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

var (
	// ErrMissingKey is returned when a payload lacks a required key column.
	// It is a validation failure: reported per operation, never retried.
	ErrMissingKey = errors.New("missing primary key column")

	// ErrUnsupportedOp is returned for operations outside INSERT/UPDATE/DELETE.
	ErrUnsupportedOp = errors.New("unsupported row operation")

	// ErrNoColumns is returned when a payload has nothing to write.
	ErrNoColumns = errors.New("payload has no writable columns")
)

// Op is one row operation ready to apply.
type Op struct {
	Database  string
	Table     string
	Operation string
	Business  BusinessType
	Record    *payload.Record
}

// Result reports what the target store did with one operation.
type Result struct {
	RowsAffected int64
	Skipped      bool
}

// Dispatcher applies row operations. It is stateless; ordering comes from the
// per-session event loop calling it sequentially.
type Dispatcher struct {
	store *store.Manager
	log   *logrus.Entry
}

// New creates a dispatcher over the given pool manager.
func New(st *store.Manager, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{store: st, log: log.WithField("component", "rowop")}
}

// Apply executes op on the incremental path: INSERT upserts on duplicate
// keys, UPDATE uses the pre-image WHERE, DELETE is at-most-once.
func (d *Dispatcher) Apply(ctx context.Context, op Op) (Result, error) {
	stmt, args, err := buildStatement(op, false)
	if err != nil {
		return Result{}, err
	}
	return d.exec(ctx, op, stmt, args)
}

// ApplyBootstrap executes op in full-sync mode: duplicate keys are skipped
// rather than upgraded to UPDATE, so repeated bootstraps stay idempotent.
func (d *Dispatcher) ApplyBootstrap(ctx context.Context, op Op) (Result, error) {
	stmt, args, err := buildStatement(op, true)
	if err != nil {
		return Result{}, err
	}
	res, err := d.exec(ctx, op, stmt, args)
	if err != nil {
		return res, err
	}
	if op.Operation == OpInsert && res.RowsAffected == 0 {
		res.Skipped = true
	}
	return res, nil
}

func (d *Dispatcher) exec(ctx context.Context, op Op, stmt string, args []any) (Result, error) {
	res, err := d.store.Exec(ctx, op.Database, stmt, args...)
	if err != nil {
		return Result{}, fmt.Errorf("applying %s on %s.%s: %w", op.Operation, op.Database, op.Table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = 0
	}
	d.log.WithFields(logrus.Fields{
		"database": op.Database,
		"table":    op.Table,
		"op":       op.Operation,
		"rows":     n,
	}).Debug("row operation applied")
	return Result{RowsAffected: n}, nil
}

func buildStatement(op Op, bootstrap bool) (string, []any, error) {
	if op.Record == nil || op.Record.Len() == 0 {
		return "", nil, payload.ErrEmptyPayload
	}
	switch strings.ToUpper(op.Operation) {
	case OpInsert:
		if bootstrap {
			return BuildInsertIgnore(op.Table, op.Record)
		}
		return BuildInsert(op.Table, op.Record)
	case OpUpdate:
		return BuildUpdate(op.Table, op.Record, PrimaryKeyColumns(op.Table, op.Business))
	case OpDelete:
		return BuildDelete(op.Table, op.Record, PrimaryKeyColumns(op.Table, op.Business))
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, op.Operation)
	}
}

func quoteIdent(name string) string {
	return "`" + name + "`"
}

// BuildInsert renders the upsert for rec: every payload key in wire order,
// with ON DUPLICATE KEY UPDATE refreshing each column. Replays are idempotent.
func BuildInsert(table string, rec *payload.Record) (string, []any, error) {
	cols, placeholders, args, err := insertParts(table, rec)
	if err != nil {
		return "", nil, err
	}
	updates := make([]string, len(cols))
	for i, c := range cols {
		updates[i] = c + "=VALUES(" + c + ")"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		quoteIdent(table), strings.Join(cols, ","), strings.Join(placeholders, ","), strings.Join(updates, ","))
	return stmt, args, nil
}

// BuildInsertIgnore renders the bootstrap insert: duplicates are dropped by
// the server instead of updating the existing row.
func BuildInsertIgnore(table string, rec *payload.Record) (string, []any, error) {
	cols, placeholders, args, err := insertParts(table, rec)
	if err != nil {
		return "", nil, err
	}
	stmt := fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(cols, ","), strings.Join(placeholders, ","))
	return stmt, args, nil
}

func insertParts(table string, rec *payload.Record) (cols, placeholders []string, args []any, err error) {
	if err := store.ValidateIdentifier(table); err != nil {
		return nil, nil, nil, err
	}
	for _, f := range rec.Fields() {
		if err := store.ValidateIdentifier(f.Key); err != nil {
			return nil, nil, nil, err
		}
		cols = append(cols, quoteIdent(f.Key))
		placeholders = append(placeholders, "?")
		args = append(args, f.Value)
	}
	return cols, placeholders, args, nil
}

// BuildUpdate renders the update for rec. The SET list is every key not
// carrying the pre-image prefix; WHERE values prefer old_<col> over <col> so
// key changes land on the row being renamed.
func BuildUpdate(table string, rec *payload.Record, pkCols []string) (string, []any, error) {
	if err := store.ValidateIdentifier(table); err != nil {
		return "", nil, err
	}

	var sets []string
	var args []any
	for _, f := range rec.Fields() {
		if strings.HasPrefix(f.Key, payload.OldPrefix) {
			continue
		}
		if err := store.ValidateIdentifier(f.Key); err != nil {
			return "", nil, err
		}
		sets = append(sets, quoteIdent(f.Key)+" = ?")
		args = append(args, f.Value)
	}
	if len(sets) == 0 {
		return "", nil, ErrNoColumns
	}

	var wheres []string
	for _, pk := range pkCols {
		v, ok := rec.Get(payload.OldPrefix + pk)
		if !ok {
			v, ok = rec.Get(pk)
		}
		if !ok {
			return "", nil, fmt.Errorf("%w: %s (table %s)", ErrMissingKey, pk, table)
		}
		wheres = append(wheres, quoteIdent(pk)+" = ?")
		args = append(args, v)
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteIdent(table), strings.Join(sets, ", "), strings.Join(wheres, " AND "))
	return stmt, args, nil
}

// BuildDelete renders the delete for rec. WHERE values come straight from the
// payload; the pre-image prefix is not consulted.
func BuildDelete(table string, rec *payload.Record, pkCols []string) (string, []any, error) {
	if err := store.ValidateIdentifier(table); err != nil {
		return "", nil, err
	}

	var wheres []string
	var args []any
	for _, pk := range pkCols {
		v, ok := rec.Get(pk)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s (table %s)", ErrMissingKey, pk, table)
		}
		wheres = append(wheres, quoteIdent(pk)+" = ?")
		args = append(args, v)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table), strings.Join(wheres, " AND "))
	return stmt, args, nil
}
