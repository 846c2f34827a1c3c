package store

import (
	"context"
	"database/sql"
	"fmt"
)

// WithTx runs fn inside a transaction on database. The transaction is rolled
// back when fn returns an error or panics, committed otherwise.
func (m *Manager) WithTx(ctx context.Context, database string, fn func(tx *sql.Tx) error) error {
	db, err := m.Get(ctx, database)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ClearTables drops the named tables from database, or every table when the
// list is empty. Foreign-key checks are toggled off and back on inside the
// same transaction so drop order does not matter. Returns the tables dropped.
func (m *Manager) ClearTables(ctx context.Context, database string, tables []string) ([]string, error) {
	if len(tables) == 0 {
		var err error
		tables, err = m.Tables(ctx, database)
		if err != nil {
			return nil, err
		}
	}
	if len(tables) == 0 {
		return nil, nil
	}

	for _, t := range tables {
		if err := ValidateIdentifier(t); err != nil {
			return nil, err
		}
	}

	err := m.WithTx(ctx, database, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return fmt.Errorf("disabling foreign key checks: %w", err)
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", t)); err != nil { //nolint:gosec // validated identifier
				return fmt.Errorf("dropping table %s: %w", t, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
			return fmt.Errorf("restoring foreign key checks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.WithField("database", database).WithField("tables", len(tables)).Info("tables dropped")
	return tables, nil
}

// DropAllTables drops every table in database.
func (m *Manager) DropAllTables(ctx context.Context, database string) ([]string, error) {
	return m.ClearTables(ctx, database, nil)
}
