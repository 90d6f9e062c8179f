package dialect

import (
	"fmt"
	"strings"
)

// Substrings that must never appear in an interpolated timestamp
// literal. A match aborts the whole operation rather than attempting
// any sanitizing rewrite.
var blockedSubstrings = []string{";", "--", "drop", "create", "alter", "delete", "commit"}

// CheckLiteral validates a value destined for direct interpolation
// into SQL text.
func CheckLiteral(s string) error {
	lower := strings.ToLower(s)
	for _, bad := range blockedSubstrings {
		if strings.Contains(lower, bad) {
			return fmt.Errorf("refusing to interpolate %q: contains %q", s, bad)
		}
	}
	return nil
}

// NowExpr returns the flavor's expression for the current UTC time.
func (f *Flavor) NowExpr() string {
	switch f.Name {
	case "postgresql", "timescaledb", "cockroachdb":
		return "CAST(NOW() AT TIME ZONE 'utc' AS TIMESTAMP)"
	case "mssql":
		return "GETUTCDATE()"
	case "mysql", "mariadb":
		return "UTC_TIMESTAMP(6)"
	case "sqlite":
		return "datetime('now')"
	case "duckdb":
		return "NOW()"
	case "oracle":
		return "CAST(SYS_EXTRACT_UTC(SYSTIMESTAMP) AS TIMESTAMP)"
	default:
		return "CAST(NOW() AT TIME ZONE 'utc' AS TIMESTAMP)"
	}
}

// DateAdd builds the expression begin + number datepart in the
// flavor's syntax. begin is either the string "now" (current UTC time)
// or a timestamp literal such as "2023-01-01 00:00:00"; literals are
// screened for injection before interpolation.
func (f *Flavor) DateAdd(datepart string, number int, begin string) (string, error) {
	var base string
	if begin == "now" {
		base = f.NowExpr()
	} else {
		if err := CheckLiteral(begin); err != nil {
			return "", err
		}
		base = f.castTimestampLiteral(begin)
	}

	switch f.Name {
	case "mssql":
		return fmt.Sprintf("DATEADD(%s, %d, %s)", datepart, number, base), nil
	case "mysql", "mariadb":
		return fmt.Sprintf("DATE_ADD(%s, INTERVAL %d %s)", base, number, datepart), nil
	case "sqlite":
		if begin == "now" {
			return fmt.Sprintf("datetime('now', '%+d %s')", number, datepart), nil
		}
		return fmt.Sprintf("datetime('%s', '%+d %s')", begin, number, datepart), nil
	case "oracle":
		return fmt.Sprintf("%s + INTERVAL '%d' %s", base, number, strings.ToUpper(datepart)), nil
	default:
		// Postgres family, duckdb, and ANSI fallback share interval
		// literal arithmetic.
		return fmt.Sprintf("%s + INTERVAL '%d %s'", base, number, datepart), nil
	}
}

func (f *Flavor) castTimestampLiteral(begin string) string {
	switch f.Name {
	case "mssql":
		return fmt.Sprintf("CAST('%s' AS DATETIME2)", begin)
	case "mysql", "mariadb":
		return fmt.Sprintf("CAST('%s' AS DATETIME)", begin)
	case "sqlite":
		return fmt.Sprintf("'%s'", begin)
	case "oracle":
		return fmt.Sprintf("TO_TIMESTAMP('%s', 'YYYY-MM-DD HH24:MI:SS')", begin)
	default:
		return fmt.Sprintf("CAST('%s' AS TIMESTAMP)", begin)
	}
}
