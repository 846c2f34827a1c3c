// Package schema materialises target tables from the column descriptors a
// peer sends during initial sync, then layers on the business-type index
// bundle. Rendering is deliberately forgiving: the created table must accept
// the CSV seeding that usually follows, so source NOT NULL constraints are
// only kept where a default, identity, or key makes empty cells impossible.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/store"
)

// Column is one column descriptor as introspected on the source side.
type Column struct {
	Name             string `json:"COLUMN_NAME"`
	DataType         string `json:"DATA_TYPE"`
	CharMaxLength    *int64 `json:"CHARACTER_MAXIMUM_LENGTH"`
	NumericPrecision *int64 `json:"NUMERIC_PRECISION"`
	NumericScale     *int64 `json:"NUMERIC_SCALE"`
	IsNullable       string `json:"IS_NULLABLE"`
	Default          any    `json:"COLUMN_DEFAULT"`
	IsIdentity       any    `json:"IS_IDENTITY"`
	ColumnKey        string `json:"COLUMN_KEY"`
}

// Index is one secondary index descriptor.
type Index struct {
	Name    string        `json:"INDEX_NAME"`
	Unique  bool          `json:"IS_UNIQUE"`
	Columns []IndexColumn `json:"COLUMNS"`
}

// IndexColumn carries the per-column sort direction.
type IndexColumn struct {
	Name       string `json:"COLUMN_NAME"`
	Descending bool   `json:"IS_DESCENDING"`
}

// TableSchema is the full descriptor carried by create_table_from_schema and
// table_schema_response events.
type TableSchema struct {
	Columns     []Column `json:"columns"`
	PrimaryKeys []string `json:"primaryKeys"`
	Indexes     []Index  `json:"indexes"`
}

var numericLiteralRe = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// identity reports whether the descriptor marks the column as an identity
// column. Source introspection is loose about the carrier type.
func (c Column) identity() bool {
	switch v := c.IsIdentity.(type) {
	case bool:
		return v
	case float64:
		return v == 1
	case string:
		return v == "1" || strings.EqualFold(v, "true")
	default:
		return false
	}
}

func (c Column) isPrimary() bool {
	return strings.EqualFold(c.ColumnKey, "PRI")
}

func (c Column) nullable() bool {
	return !strings.EqualFold(c.IsNullable, "NO")
}

// mapDataType translates the source column type into the target dialect.
// Unknown types become TEXT so unexpected source columns never block a sync.
func mapDataType(c Column) string {
	length := func(def int64) int64 {
		if c.CharMaxLength != nil && *c.CharMaxLength > 0 {
			return *c.CharMaxLength
		}
		return def
	}

	switch strings.ToLower(strings.TrimSpace(c.DataType)) {
	case "int":
		return "INT"
	case "bigint":
		return "BIGINT"
	case "smallint":
		return "SMALLINT"
	case "tinyint":
		return "TINYINT"
	case "decimal", "numeric":
		p, s := int64(18), int64(0)
		if c.NumericPrecision != nil && *c.NumericPrecision > 0 {
			p = *c.NumericPrecision
		}
		if c.NumericScale != nil && *c.NumericScale >= 0 {
			s = *c.NumericScale
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", p, s)
	case "float":
		return "FLOAT"
	case "real":
		return "DOUBLE"
	case "varchar", "nvarchar":
		// Length -1 is the source's (MAX) marker.
		if c.CharMaxLength != nil && *c.CharMaxLength < 0 {
			return "TEXT"
		}
		return fmt.Sprintf("VARCHAR(%d)", length(255))
	case "char", "nchar":
		return fmt.Sprintf("CHAR(%d)", length(1))
	case "text", "ntext":
		return "TEXT"
	case "datetime", "datetime2":
		return "DATETIME"
	case "date":
		return "DATE"
	case "time":
		return "TIME"
	case "timestamp":
		return "TIMESTAMP"
	case "bit":
		return "BOOLEAN"
	case "uniqueidentifier":
		return "VARCHAR(36)"
	default:
		return "TEXT"
	}
}

// renderDefault translates the source default expression. The second return
// is false when the default has no usable target-side form and must be
// dropped. Source defaults arrive wrapped in parentheses, e.g. ((0)).
func renderDefault(c Column) (string, bool) {
	s, ok := c.Default.(string)
	if !ok {
		if num, isNum := c.Default.(float64); isNum {
			return fmt.Sprintf("%v", num), true
		}
		return "", false
	}

	s = strings.TrimSpace(s)
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return "", false
	}

	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "getdate"):
		return "CURRENT_TIMESTAMP", true
	case strings.Contains(lower, "newid"):
		return "", false
	}

	if strings.EqualFold(strings.TrimSpace(c.DataType), "bit") {
		if s == "1" {
			return "'1'", true
		}
		return "'0'", true
	}

	if numericLiteralRe.MatchString(s) {
		return s, true
	}

	// Source string defaults arrive quoted with doubled inner quotes.
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		s = strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", true
}

// renderColumn renders one column definition.
func renderColumn(c Column, primary map[string]bool) (string, error) {
	if err := store.ValidateIdentifier(c.Name); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("`" + c.Name + "` ")
	b.WriteString(mapDataType(c))

	def, hasDefault := renderDefault(c)
	keepNotNull := !c.nullable() && (hasDefault || c.identity() || c.isPrimary() || primary[c.Name])

	if keepNotNull {
		b.WriteString(" NOT NULL")
		if hasDefault {
			b.WriteString(" DEFAULT " + def)
		}
		if c.identity() {
			b.WriteString(" AUTO_INCREMENT")
		}
	} else {
		// Seeding imports may carry empty cells; keep the column open.
		b.WriteString(" NULL DEFAULT NULL")
	}
	return b.String(), nil
}

// RenderCreateTable renders the CREATE TABLE statement for s. Explicit
// primaryKeys win over COLUMN_KEY markers when both are present.
func RenderCreateTable(table string, s TableSchema) (string, error) {
	if err := store.ValidateIdentifier(table); err != nil {
		return "", err
	}
	if len(s.Columns) == 0 {
		return "", fmt.Errorf("schema for table %q has no columns", table)
	}

	pks := s.PrimaryKeys
	if len(pks) == 0 {
		for _, c := range s.Columns {
			if c.isPrimary() {
				pks = append(pks, c.Name)
			}
		}
	}
	primary := make(map[string]bool, len(pks))
	for _, pk := range pks {
		if err := store.ValidateIdentifier(pk); err != nil {
			return "", err
		}
		primary[pk] = true
	}

	defs := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		def, err := renderColumn(c, primary)
		if err != nil {
			return "", err
		}
		defs = append(defs, "  "+def)
	}
	if len(pks) > 0 {
		quoted := make([]string, len(pks))
		for i, pk := range pks {
			quoted[i] = "`" + pk + "`"
		}
		defs = append(defs, "  PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (\n%s\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_0900_ai_ci",
		table, strings.Join(defs, ",\n")), nil
}

// renderIndex renders one supplied secondary index.
func renderIndex(table string, ix Index) (string, error) {
	if err := store.ValidateIdentifier(ix.Name); err != nil {
		return "", err
	}
	if len(ix.Columns) == 0 {
		return "", fmt.Errorf("index %q has no columns", ix.Name)
	}
	cols := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		if err := store.ValidateIdentifier(c.Name); err != nil {
			return "", err
		}
		cols[i] = "`" + c.Name + "`"
		if c.Descending {
			cols[i] += " DESC"
		}
	}
	kind := "INDEX"
	if ix.Unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s `%s` ON `%s` (%s)", kind, ix.Name, table, strings.Join(cols, ", ")), nil
}

// Materialiser creates tables and their index bundles in the target store.
type Materialiser struct {
	store *store.Manager
	log   *logrus.Entry
}

// New creates a materialiser over the given pool manager.
func New(st *store.Manager, log *logrus.Logger) *Materialiser {
	return &Materialiser{store: st, log: log.WithField("component", "schema")}
}

// CreateTable materialises table in database from s, creates the supplied
// secondary indexes, and applies the business-type bundle. Index statements
// run independently: a failed index is logged and skipped, never fatal.
// Re-creation over an existing table trips duplicate-index errors because
// the create itself is IF NOT EXISTS.
func (m *Materialiser) CreateTable(ctx context.Context, database, table string, s TableSchema, businessType string) error {
	stmt, err := RenderCreateTable(table, s)
	if err != nil {
		return err
	}
	if _, err := m.store.Exec(ctx, database, stmt); err != nil {
		return fmt.Errorf("creating table %s.%s: %w", database, table, err)
	}
	m.log.WithFields(logrus.Fields{"database": database, "table": table, "columns": len(s.Columns)}).
		Info("table created")

	for _, ix := range s.Indexes {
		ixStmt, err := renderIndex(table, ix)
		if err != nil {
			m.logIndexSkip(database, table, ix.Name, err)
			continue
		}
		if _, err := m.store.Exec(ctx, database, ixStmt); err != nil {
			m.logIndexSkip(database, table, ix.Name, err)
		}
	}

	if businessType != "" {
		m.ApplyIndexBundle(ctx, database, table, businessType)
	}
	return nil
}

func (m *Materialiser) logIndexSkip(database, table, index string, err error) {
	m.log.WithFields(logrus.Fields{
		"database": database,
		"table":    table,
		"index":    index,
		"error":    err,
	}).Warn("index skipped")
}
