package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between supported databases.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect struct {
	Name       string
	DriverName string

	numbered bool   // $1, $2 ... placeholders
	dayExpr  string // printf format turning a timestamp column into YYYY-MM-DD
	secsExpr string // printf format for the seconds between two timestamp columns
}

// Supported dialects.
var (
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite3",
		dayExpr:    "substr(%s, 1, 10)",
		secsExpr:   "((julianday(%[2]s) - julianday(%[1]s)) * 86400.0)",
	}
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		numbered:   true,
		dayExpr:    "to_char(%s, 'YYYY-MM-DD')",
		secsExpr:   "EXTRACT(EPOCH FROM (%[2]s - %[1]s))",
	}
)

// DialectFor resolves a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind converts ? placeholders to the dialect's placeholder style.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Day returns an expression bucketing a timestamp column by calendar day.
func (d Dialect) Day(column string) string {
	return fmt.Sprintf(d.dayExpr, column)
}

// Seconds returns an expression for the seconds elapsed from one column to another.
func (d Dialect) Seconds(from, to string) string {
	return fmt.Sprintf(d.secsExpr, from, to)
}
