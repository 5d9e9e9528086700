// SPDX-License-Identifier: Apache-2.0

// Package dialect abstracts over the SQL variants supported by the engine:
// Postgres, MySQL and SQLite. A Dialect determines identifier quoting,
// placeholder style, DDL transaction semantics and the small set of SQL
// snippets the engine emits itself.
package dialect

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Dialect identifies one of the supported SQL variants. The set is closed;
// callers switch on the three constants rather than extending it.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

var ErrUnsupportedDialect = errors.New("unsupported database dialect")

// identRe validates identifiers before they are interpolated into DDL.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Detect determines the dialect from a connection string. Unknown prefixes
// fail immediately rather than falling back to a default.
func Detect(dsn string) (Dialect, error) {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)

	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return Postgres, nil
	case strings.HasPrefix(lower, "mysql://"):
		return MySQL, nil
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file://"):
		return SQLite, nil
	}

	// A bare filesystem path to a database file is treated as SQLite.
	base := lower
	if idx := strings.IndexByte(base, '?'); idx >= 0 {
		base = base[:idx]
	}
	for _, ext := range []string{".db", ".sqlite", ".sqlite3"} {
		if strings.HasSuffix(base, ext) {
			return SQLite, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, dsn)
}

func (d Dialect) String() string {
	return string(d)
}

// DriverName returns the database/sql driver name registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// QuoteIdent quotes an identifier for use in SQL. Identifiers containing the
// dialect's quote character, or failing the identifier pattern, are rejected
// outright instead of being escaped.
func (d Dialect) QuoteIdent(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	switch d {
	case MySQL:
		if strings.ContainsRune(name, '`') {
			return "", fmt.Errorf("invalid identifier %q", name)
		}
		return "`" + name + "`", nil
	default:
		if strings.ContainsRune(name, '"') {
			return "", fmt.Errorf("invalid identifier %q", name)
		}
		return `"` + name + `"`, nil
	}
}

// QuoteQualified quotes a schema-qualified name, e.g. schema.table.
func (d Dialect) QuoteQualified(schema, name string) (string, error) {
	qs, err := d.QuoteIdent(schema)
	if err != nil {
		return "", err
	}
	qn, err := d.QuoteIdent(name)
	if err != nil {
		return "", err
	}
	return qs + "." + qn, nil
}

// Placeholder returns the placeholder for the n-th parameter (1-based).
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// SupportsTransactionalDDL reports whether DDL statements participate in
// transactions. MySQL commits implicitly on DDL, so migrations there run
// statement by statement.
func (d Dialect) SupportsTransactionalDDL() bool {
	return d != MySQL
}

// ValidIdentifier reports whether name is safe to interpolate into DDL.
func ValidIdentifier(name string) bool {
	return name != "" && len(name) <= 63 && identRe.MatchString(name)
}

// BackendPIDQuery returns the statement reporting the session's backend
// process id, or "" when the dialect has no cancellable backends (SQLite).
func (d Dialect) BackendPIDQuery() string {
	switch d {
	case Postgres:
		return "SELECT pg_backend_pid()"
	case MySQL:
		return "SELECT CONNECTION_ID()"
	default:
		return ""
	}
}

// CreateTableIfNotExists emits the dialect's create-if-absent DDL for a table
// with the given quoted name and column body.
func (d Dialect) CreateTableIfNotExists(table, body string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, body)
}

// Upsert emits an insert that updates the non-key columns on conflict.
// Placeholders are written in `?` style; run the result through Rebind for
// Postgres execution.
func (d Dialect) Upsert(table string, cols, conflictCols, updateCols []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if d == MySQL {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		for i, c := range updateCols {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = VALUES(%s)", c, c)
		}
		return b.String()
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(conflictCols, ", "))
	for i, c := range updateCols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", c, c)
	}
	return b.String()
}

// Rebind rewrites `?` placeholders to the dialect's native style. It is a
// no-op for MySQL and SQLite. String literals, quoted identifiers and
// comments are left untouched.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}

	var (
		out           strings.Builder
		param         int
		inSingleQuote bool
		inDoubleQuote bool
		inLineComment bool
	)
	out.Grow(len(query) + 8)

	for i := 0; i < len(query); i++ {
		ch := query[i]

		switch {
		case inLineComment:
			if ch == '\n' {
				inLineComment = false
			}
		case inSingleQuote:
			if ch == '\'' {
				inSingleQuote = false
			}
		case inDoubleQuote:
			if ch == '"' {
				inDoubleQuote = false
			}
		case ch == '\'':
			inSingleQuote = true
		case ch == '"':
			inDoubleQuote = true
		case ch == '-' && i+1 < len(query) && query[i+1] == '-':
			inLineComment = true
		case ch == '?':
			param++
			fmt.Fprintf(&out, "$%d", param)
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}
