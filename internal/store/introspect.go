package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var identifierRe = databaseNameRe

// ValidateIdentifier rejects table and column names that cannot be safely
// backtick-quoted.
func ValidateIdentifier(name string) error {
	if name == "" || len(name) > 64 || !identifierRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// Tables lists the tables in database in server order.
func (m *Manager) Tables(ctx context.Context, database string) ([]string, error) {
	rows, err := m.Query(ctx, database, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("listing tables in %s: %w", database, err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// ResolveTable returns the actual table name matching name case-insensitively.
// Lookups are case-insensitive because the source dialect is, while the target
// server may run with case-sensitive table names.
func (m *Manager) ResolveTable(ctx context.Context, database, name string) (string, error) {
	tables, err := m.Tables(ctx, database)
	if err != nil {
		return "", err
	}
	for _, t := range tables {
		if strings.EqualFold(t, name) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %s.%s", ErrTableNotFound, database, name)
}

// TableExists reports whether name exists in database, ignoring case.
func (m *Manager) TableExists(ctx context.Context, database, name string) (bool, error) {
	_, err := m.ResolveTable(ctx, database, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrTableNotFound) {
		return false, nil
	}
	return false, err
}

// Columns returns the ordered column names of table. SHOW COLUMNS is tried
// first; the information schema is the fallback for servers that restrict it.
func (m *Manager) Columns(ctx context.Context, database, table string) ([]string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}

	rows, err := m.Query(ctx, database, fmt.Sprintf("SHOW COLUMNS FROM `%s`", table)) //nolint:gosec // validated identifier
	if err == nil {
		defer func() { _ = rows.Close() }()
		var cols []string
		for rows.Next() {
			var field, colType, null, key string
			var def, extra sql.NullString
			if err := rows.Scan(&field, &colType, &null, &key, &def, &extra); err != nil {
				return nil, err
			}
			cols = append(cols, field)
		}
		if err := rows.Err(); err == nil && len(cols) > 0 {
			return cols, nil
		}
	}

	rows, err = m.Query(ctx, database,
		"SELECT COLUMN_NAME FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ORDINAL_POSITION",
		database, table)
	if err != nil {
		return nil, fmt.Errorf("introspecting columns of %s.%s: %w", database, table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, database, table)
	}
	return cols, nil
}

// RowCount returns the number of rows in table.
func (m *Manager) RowCount(ctx context.Context, database, table string) (int64, error) {
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}
	row, err := m.QueryRow(ctx, database, fmt.Sprintf("SELECT COUNT(*) FROM `%s`", table)) //nolint:gosec // validated identifier
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows in %s.%s: %w", database, table, err)
	}
	return n, nil
}

// LocalInfileEnabled reports whether the server accepts LOAD DATA LOCAL INFILE.
func (m *Manager) LocalInfileEnabled(ctx context.Context, database string) (bool, error) {
	row, err := m.QueryRow(ctx, database, "SELECT @@GLOBAL.local_infile")
	if err != nil {
		return false, err
	}
	var enabled sql.NullInt64
	if err := row.Scan(&enabled); err != nil {
		return false, fmt.Errorf("probing local_infile: %w", err)
	}
	return enabled.Valid && enabled.Int64 == 1, nil
}

// SecureFilePriv returns the server's secure_file_priv directory, or empty
// when unset or NULL.
func (m *Manager) SecureFilePriv(ctx context.Context, database string) (string, error) {
	row, err := m.QueryRow(ctx, database, "SELECT @@GLOBAL.secure_file_priv")
	if err != nil {
		return "", err
	}
	var dir sql.NullString
	if err := row.Scan(&dir); err != nil {
		return "", fmt.Errorf("probing secure_file_priv: %w", err)
	}
	if !dir.Valid {
		return "", nil
	}
	return strings.TrimSpace(dir.String), nil
}
