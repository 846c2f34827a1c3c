// Package ddl translates the source dialect's schema-change commands into
// statements the target server accepts. Translation is a pure function of its
// inputs: no state, no target-store access.
package ddl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Operation tags carried by schema-change events.
const (
	OpAlterTable = "DDL_ALTER_TABLE"
	OpDropTable  = "DDL_DROP_TABLE"
)

// ErrUnsupportedOperation is returned for operation tags the translator does
// not know.
var ErrUnsupportedOperation = errors.New("unsupported DDL operation")

const addColumnCharset = "CHARACTER SET utf8mb4 COLLATE utf8mb4_0900_ai_ci"

var schemaPrefixRe = regexp.MustCompile(`(?i)\[dbo\]\.`)

// Type rewrites run before identifier quoting so bracketed type names like
// [NVARCHAR](50) are still recognisable. Order matters: the MAX form must win
// over the sized form, and BIGINT IDENTITY over INT IDENTITY.
var typeRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\[?\bNVARCHAR\b\]?\s*\(\s*MAX\s*\)`), "TEXT"},
	{regexp.MustCompile(`(?i)\[?\bNVARCHAR\b\]?\s*\(\s*(\d+)\s*\)`), "VARCHAR($1)"},
	{regexp.MustCompile(`(?i)\[?\bNVARCHAR\b\]?`), "VARCHAR(255)"},
	{regexp.MustCompile(`(?i)\[?\bNTEXT\b\]?`), "TEXT"},
	{regexp.MustCompile(`(?i)\[?\bDATETIME2\b\]?`), "DATETIME"},
	{regexp.MustCompile(`(?i)\[?\bUNIQUEIDENTIFIER\b\]?`), "VARCHAR(36)"},
	{regexp.MustCompile(`(?i)\[?\bBIGINT\b\]?\s+IDENTITY\s*\(\s*1\s*,\s*1\s*\)`), "BIGINT AUTO_INCREMENT"},
	{regexp.MustCompile(`(?i)\[?\bINT\b\]?\s+IDENTITY\s*\(\s*1\s*,\s*1\s*\)`), "INT AUTO_INCREMENT"},
	{regexp.MustCompile(`(?i)\[?\bBIT\b\]?`), "BOOLEAN"},
	{regexp.MustCompile(`(?i)\bGETDATE\s*\(\s*\)`), "NOW()"},
	{regexp.MustCompile(`(?i)\bNEWID\s*\(\s*\)`), "UUID()"},
}

var bracketIdentRe = regexp.MustCompile(`\[([^\[\]]+)\]`)

var lockEscalationRe = regexp.MustCompile(`(?i)SET\s*\(\s*LOCK_ESCALATION`)

// The four ADD-column shapes, tried in order; first match wins. Patterns run
// after the common rewrites, so identifiers are backtick-quoted or bare and
// type names are already in the target dialect.
var addColumnRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	// with length and nullability
	{regexp.MustCompile("(?i)\\bADD\\s+\x60?(\\w+)\x60?\\s+\x60?(\\w+)\x60?\\s*\\(\\s*(\\d+)\\s*\\)\\s+(NULL|NOT\\s+NULL)"),
		"ADD COLUMN \x60$1\x60 $2($3) " + addColumnCharset + " $4"},
	// with length only
	{regexp.MustCompile("(?i)\\bADD\\s+\x60?(\\w+)\x60?\\s+\x60?(\\w+)\x60?\\s*\\(\\s*(\\d+)\\s*\\)"),
		"ADD COLUMN \x60$1\x60 $2($3) " + addColumnCharset},
	// no length, with nullability
	{regexp.MustCompile("(?i)\\bADD\\s+\x60?(\\w+)\x60?\\s+\x60?(\\w+)\x60?\\s+(NULL|NOT\\s+NULL)"),
		"ADD COLUMN \x60$1\x60 $2 " + addColumnCharset + " $3"},
	// bare
	{regexp.MustCompile("(?i)\\bADD\\s+\x60?(\\w+)\x60?\\s+\x60?(\\w+)\x60?"),
		"ADD COLUMN \x60$1\x60 $2 " + addColumnCharset},
}

var (
	addColumnAlreadyRe = regexp.MustCompile(`(?i)\bADD\s+COLUMN\b`)
	dropColumnRe       = regexp.MustCompile("(?i)\\bDROP\\s+(?:COLUMN\\s+)?\x60?(\\w+)\x60?")
	alterColumnRe      = regexp.MustCompile(`(?i)\bALTER\s+COLUMN\b`)
)

// Translate converts one source-dialect DDL command. It returns the target
// command, or skip=true for commands with no target-side counterpart
// (currently only LOCK_ESCALATION settings).
func Translate(operation, tableName, command string) (translated string, skip bool, err error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", false, fmt.Errorf("empty DDL command for table %q", tableName)
	}

	switch operation {
	case OpAlterTable:
		if lockEscalationRe.MatchString(command) {
			return "", true, nil
		}
		out := commonRewrites(command)
		out = alterRewrites(out)
		return out, false, nil
	case OpDropTable:
		return commonRewrites(command), false, nil
	default:
		return "", false, fmt.Errorf("%w: %q", ErrUnsupportedOperation, operation)
	}
}

// commonRewrites applies the dialect-independent rewrites: schema prefix,
// data types, and identifier quoting.
func commonRewrites(command string) string {
	out := schemaPrefixRe.ReplaceAllString(command, "")
	for _, tr := range typeRewrites {
		out = tr.re.ReplaceAllString(out, tr.repl)
	}
	return bracketIdentRe.ReplaceAllString(out, "\x60$1\x60")
}

func alterRewrites(command string) string {
	out := alterColumnRe.ReplaceAllString(command, "MODIFY COLUMN")

	switch {
	case addColumnAlreadyRe.MatchString(out):
		// Already in target form; leave the ADD clause untouched.
	default:
		for _, ar := range addColumnRewrites {
			if ar.re.MatchString(out) {
				out = ar.re.ReplaceAllString(out, ar.repl)
				return out
			}
		}
	}

	if dropColumnRe.MatchString(out) && !strings.Contains(strings.ToUpper(out), "DROP TABLE") {
		out = dropColumnRe.ReplaceAllString(out, "DROP COLUMN \x60$1\x60")
	}
	return out
}
