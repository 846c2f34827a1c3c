package store

import (
	"context"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// Warning is one row of SHOW WARNINGS.
type Warning struct {
	Level   string
	Code    int
	Message string
}

// IsDuplicateWarning reports whether w is a duplicate-key diagnostic.
func (w Warning) IsDuplicateWarning() bool {
	return w.Code == mysqlDuplicateEntry
}

// LoadData executes a LOAD DATA statement and returns the affected row count
// together with the session warnings it produced. The statement and the
// SHOW WARNINGS run on the same dedicated connection because warnings are
// session-scoped. When localFile is non-empty it is whitelisted with the
// driver for the duration of the call, which LOAD DATA LOCAL INFILE requires.
func (m *Manager) LoadData(ctx context.Context, database, stmt, localFile string) (int64, []Warning, error) {
	db, err := m.Get(ctx, database)
	if err != nil {
		return 0, nil, err
	}

	if localFile != "" {
		mysql.RegisterLocalFile(localFile)
		defer mysql.DeregisterLocalFile(localFile)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("acquiring connection for bulk load: %w", err)
	}
	defer func() { _ = conn.Close() }()

	res, err := conn.ExecContext(ctx, stmt)
	if err != nil {
		return 0, nil, fmt.Errorf("bulk load into %s: %w", database, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}

	rows, err := conn.QueryContext(ctx, "SHOW WARNINGS")
	if err != nil {
		// The load succeeded; missing warnings only cost the skipped-row count.
		m.log.WithField("database", database).WithField("error", err).
			Debug("could not fetch bulk load warnings")
		return affected, nil, nil
	}
	defer func() { _ = rows.Close() }()

	var warnings []Warning
	for rows.Next() {
		var w Warning
		if err := rows.Scan(&w.Level, &w.Code, &w.Message); err != nil {
			return affected, warnings, err
		}
		warnings = append(warnings, w)
	}
	return affected, warnings, rows.Err()
}
