package bulkload

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/store"
)

// protectedColumns never go through the boolean or numeric coercion branches.
// Their values are identifiers in text form; casting "007" to a number would
// corrupt them.
var protectedColumns = map[string]bool{
	"stockid":  true,
	"itemcode": true,
}

// IsProtectedColumn reports whether name keeps its literal text on import.
func IsProtectedColumn(name string) bool {
	return protectedColumns[strings.ToLower(name)]
}

var varSanitiseRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// sanitiseVar turns a CSV header cell into a user-variable name.
func sanitiseVar(name string, pos int) string {
	s := varSanitiseRe.ReplaceAllString(strings.TrimSpace(name), "_")
	if s == "" {
		return fmt.Sprintf("col_%d", pos)
	}
	return s
}

// parseHeader splits a CSV header line into trimmed, unquoted column names.
func parseHeader(line string) []string {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"`)
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening csv %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("reading csv header from %s: %w", path, err)
	}
	header := parseHeader(line)
	if len(header) == 1 && header[0] == "" {
		return nil, fmt.Errorf("csv %s has an empty header", path)
	}
	return header, nil
}

// usesCRLF sniffs the line terminator from the head of the file.
func usesCRLF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 64*1024)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return bytes.Contains(buf[:n], []byte("\r\n")), nil
}

// coercionExpr renders the CASE expression that maps the raw CSV cell held in
// user variable v onto a storable value. Protected columns skip the boolean
// and numeric branches so identifier strings keep their leading zeros.
func coercionExpr(v string, protected bool) string {
	t := "TRIM(" + v + ")"

	var b strings.Builder
	b.WriteString("CASE")
	b.WriteString("\n    WHEN " + v + " IS NULL OR " + t + " = '' OR " + t + " = 'NULL' THEN NULL")
	if !protected {
		b.WriteString("\n    WHEN LOWER(" + t + ") IN ('true','yes','y','on') THEN 1")
		b.WriteString("\n    WHEN LOWER(" + t + ") IN ('false','no','n','off') THEN 0")
	}
	b.WriteString("\n    WHEN " + t + " LIKE '1899-12-30%' THEN NULL")
	b.WriteString("\n    WHEN " + t + " = '1900-01-01T00:00:00.000Z' THEN NULL")
	b.WriteString("\n    WHEN " + t + " LIKE '0000-00-00%' THEN NULL")
	b.WriteString("\n    WHEN " + t + " REGEXP '^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}' THEN STR_TO_DATE(SUBSTRING(" + t + ", 1, 19), '%Y-%m-%dT%H:%i:%s')")
	b.WriteString("\n    WHEN " + t + " REGEXP '^[0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2}' THEN STR_TO_DATE(SUBSTRING(" + t + ", 1, 19), '%Y-%m-%d %H:%i:%s')")
	b.WriteString("\n    WHEN " + t + " REGEXP '^[0-9]{4}-[0-9]{2}-[0-9]{2}$' THEN STR_TO_DATE(" + t + ", '%Y-%m-%d')")
	if !protected {
		b.WriteString("\n    WHEN " + t + " REGEXP '^-?[0-9]+$' THEN CAST(" + t + " AS SIGNED)")
		b.WriteString("\n    WHEN " + t + ` REGEXP '^-?[0-9]+\\.[0-9]+$' THEN CAST(` + t + " AS DECIMAL(18,4))")
	}
	b.WriteString("\n    ELSE " + t)
	b.WriteString("\n  END")
	return b.String()
}

func escapeSQLString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}

// buildLoadStatement renders the full LOAD DATA statement. CSV columns bind
// to user variables; table columns pair with them by positional index, so a
// trailing table column with no CSV counterpart is simply left to its default.
func buildLoadStatement(local bool, filePath, table string, csvCols, tableCols []string, crlf bool) string {
	vars := make([]string, len(csvCols))
	for i, c := range csvCols {
		vars[i] = "@" + sanitiseVar(c, i)
	}

	var b strings.Builder
	if local {
		b.WriteString("LOAD DATA LOCAL INFILE '")
	} else {
		b.WriteString("LOAD DATA INFILE '")
	}
	b.WriteString(escapeSQLString(filePath))
	b.WriteString("' IGNORE INTO TABLE `" + table + "`\n")
	b.WriteString("FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '\"'\n")
	if crlf {
		b.WriteString("LINES TERMINATED BY '\\r\\n'\n")
	} else {
		b.WriteString("LINES TERMINATED BY '\\n'\n")
	}
	b.WriteString("IGNORE 1 ROWS\n")
	b.WriteString("(" + strings.Join(vars, ", ") + ")")

	sets := make([]string, 0, len(tableCols))
	for i, col := range tableCols {
		if i >= len(vars) {
			break
		}
		sets = append(sets, "`"+col+"` = "+coercionExpr(vars[i], IsProtectedColumn(col)))
	}
	if len(sets) > 0 {
		b.WriteString("\nSET " + strings.Join(sets, ",\n  "))
	}
	return b.String()
}

// Importer runs CSV bootstraps against the target store.
type Importer struct {
	store *store.Manager
	log   *logrus.Entry
}

// NewImporter creates an importer over the given pool manager.
func NewImporter(st *store.Manager, log *logrus.Logger) *Importer {
	return &Importer{store: st, log: log.WithField("component", "bulkload")}
}

// ImportResult summarises one completed import.
type ImportResult struct {
	Table        string
	AffectedRows int64
	SkippedRows  int64
	Method       string
}

// ImportCSV loads filePath into table. The table is resolved
// case-insensitively and its ordered column list drives the positional
// pairing with the CSV header. LOCAL INFILE is preferred when the server
// advertises it; otherwise the file is staged through the secure-file
// directory. Duplicate-key warnings are counted, not raised: a bootstrap over
// existing rows skips them. The uploaded file is removed once the load
// succeeds.
func (im *Importer) ImportCSV(ctx context.Context, database, table, filePath string) (*ImportResult, error) {
	actual, err := im.store.ResolveTable(ctx, database, table)
	if err != nil {
		return nil, err
	}
	cols, err := im.store.Columns(ctx, database, actual)
	if err != nil {
		return nil, err
	}
	header, err := readHeader(filePath)
	if err != nil {
		return nil, err
	}
	crlf, err := usesCRLF(filePath)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", filePath, err)
	}

	localOK, err := im.store.LocalInfileEnabled(ctx, database)
	if err != nil {
		im.log.WithField("error", err).Debug("local_infile probe failed")
		localOK = false
	}

	var (
		affected int64
		warnings []store.Warning
		method   string
	)
	if localOK {
		stmt := buildLoadStatement(true, filePath, actual, header, cols, crlf)
		affected, warnings, err = im.store.LoadData(ctx, database, stmt, filePath)
		if err != nil {
			return nil, err
		}
		method = "local_infile"
	} else {
		priv, privErr := im.store.SecureFilePriv(ctx, database)
		if privErr != nil || priv == "" || strings.EqualFold(priv, "NULL") {
			return nil, fmt.Errorf(
				"bulk load unavailable for %s.%s: local_infile is disabled and secure_file_priv is unset",
				database, actual)
		}
		staged := filepath.Join(priv, fmt.Sprintf("bridge_%d_%s", time.Now().UnixNano(), filepath.Base(filePath)))
		if err := copyFile(filePath, staged); err != nil {
			return nil, fmt.Errorf("staging %s into secure directory: %w", filePath, err)
		}
		stmt := buildLoadStatement(false, staged, actual, header, cols, crlf)
		affected, warnings, err = im.store.LoadData(ctx, database, stmt, "")
		if rmErr := os.Remove(staged); rmErr != nil {
			im.log.WithField("path", staged).WithField("error", rmErr).
				Debug("could not remove staged copy")
		}
		if err != nil {
			return nil, err
		}
		method = "secure_file"
	}

	var skipped int64
	for _, w := range warnings {
		if w.IsDuplicateWarning() {
			skipped++
		}
	}

	if err := os.Remove(filePath); err != nil {
		im.log.WithField("path", filePath).WithField("error", err).
			Debug("could not remove uploaded file")
	}

	im.log.WithFields(logrus.Fields{
		"database": database,
		"table":    actual,
		"rows":     affected,
		"skipped":  skipped,
		"method":   method,
	}).Info("csv import complete")

	return &ImportResult{Table: actual, AffectedRows: affected, SkippedRows: skipped, Method: method}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
