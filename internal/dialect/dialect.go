// Package dialect hides backend-specific SQL syntax behind a uniform
// surface: identifier quoting and truncation, date arithmetic, existence
// checks, and bulk-insert capability flags per database flavor.
package dialect

import (
	"fmt"
	"strings"
)

// Flavor describes one SQL backend variant.
type Flavor struct {
	// Name is the canonical flavor name, e.g. "postgresql", "mssql".
	Name string

	// QuoteOpen and QuoteClose wrap identifiers. Quoting is always
	// applied; see PGCapital for the one opt-in exception.
	QuoteOpen  string
	QuoteClose string

	// MaxNameLen is the backend's identifier length limit.
	MaxNameLen int

	// TestQuery is a trivial liveness probe.
	TestQuery string

	// Bulk marks flavors with a native bulk-copy path (COPY FROM).
	Bulk bool

	// NoChunks marks flavors whose result cursors cannot be iterated
	// partially; reads fall back to a single fetch.
	NoChunks bool
}

const (
	defaultName       = "default"
	defaultMaxNameLen = 64
	defaultTestQuery  = "SELECT 1"
)

var registry = map[string]*Flavor{
	defaultName:   {Name: defaultName, QuoteOpen: `"`, QuoteClose: `"`, MaxNameLen: defaultMaxNameLen, TestQuery: defaultTestQuery},
	"postgresql":  {Name: "postgresql", QuoteOpen: `"`, QuoteClose: `"`, MaxNameLen: 64, TestQuery: defaultTestQuery, Bulk: true},
	"timescaledb": {Name: "timescaledb", QuoteOpen: `"`, QuoteClose: `"`, MaxNameLen: 64, TestQuery: defaultTestQuery, Bulk: true},
	"cockroachdb": {Name: "cockroachdb", QuoteOpen: `"`, QuoteClose: `"`, MaxNameLen: 64, TestQuery: defaultTestQuery},
	"mssql":       {Name: "mssql", QuoteOpen: "[", QuoteClose: "]", MaxNameLen: 128, TestQuery: defaultTestQuery},
	"mysql":       {Name: "mysql", QuoteOpen: "`", QuoteClose: "`", MaxNameLen: 64, TestQuery: defaultTestQuery},
	"mariadb":     {Name: "mariadb", QuoteOpen: "`", QuoteClose: "`", MaxNameLen: 64, TestQuery: defaultTestQuery},
	"sqlite":      {Name: "sqlite", QuoteOpen: `"`, QuoteClose: `"`, MaxNameLen: 1024, TestQuery: defaultTestQuery},
	"duckdb":      {Name: "duckdb", QuoteOpen: `"`, QuoteClose: `"`, MaxNameLen: 64, TestQuery: defaultTestQuery, NoChunks: true},
	"oracle":      {Name: "oracle", QuoteOpen: `"`, QuoteClose: `"`, MaxNameLen: 30, TestQuery: "SELECT 1 FROM DUAL"},
}

// Get returns the flavor for the given name, falling back to the
// default/ANSI profile for unknown names.
func Get(name string) *Flavor {
	if f, ok := registry[name]; ok {
		return f
	}
	return registry[defaultName]
}

// Known reports whether name is a registered flavor.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Capabilities carries the externally injected flavor capability sets.
// The config system supplies these once at startup; the registry is
// never mutated afterward.
type Capabilities struct {
	BulkFlavors    []string
	NoChunkFlavors []string
}

// Configure applies capability overrides to the registry. Call once
// during startup, before any flavor is used.
func Configure(caps Capabilities) {
	if caps.BulkFlavors != nil {
		for _, f := range registry {
			f.Bulk = false
		}
		for _, name := range caps.BulkFlavors {
			if f, ok := registry[name]; ok {
				f.Bulk = true
			}
		}
	}
	if caps.NoChunkFlavors != nil {
		for _, f := range registry {
			f.NoChunks = false
		}
		for _, name := range caps.NoChunkFlavors {
			if f, ok := registry[name]; ok {
				f.NoChunks = true
			}
		}
	}
}

// QuoteItem wraps a database item (table, column, index) in the
// flavor's quote characters, truncating to the flavor's length limit.
// Oracle identifiers are upper-cased first.
func (f *Flavor) QuoteItem(item string) (string, error) {
	if f.Name == "oracle" {
		item = strings.ToUpper(item)
	}
	truncated, err := TruncateItemName(item, f)
	if err != nil {
		return "", err
	}
	return f.QuoteOpen + truncated + f.QuoteClose, nil
}

// MustQuoteItem is QuoteItem for identifiers already known to fit,
// e.g. short role column names. It panics on truncation failure.
func (f *Flavor) MustQuoteItem(item string) string {
	quoted, err := f.QuoteItem(item)
	if err != nil {
		panic(fmt.Sprintf("quoting %q for flavor %s: %v", item, f.Name, err))
	}
	return quoted
}

// PGCapital quotes s only when it contains characters outside
// [a-z0-9]. This is the single opt-in exception to always-quoting,
// for Postgres-family identifiers that are safe unquoted.
func PGCapital(s string) string {
	if strings.Contains(s, `"`) {
		return s
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return `"` + s + `"`
		}
	}
	return s
}

// ExistsQuery returns a probe query whose success (not row content)
// determines whether the table exists. System catalogs are avoided on
// purpose; they differ too much across flavors.
func (f *Flavor) ExistsQuery(table string) (string, error) {
	name, err := f.QuoteItem(table)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1 = 0", name), nil
}

// Placeholder returns the bind-variable marker for position i (1-based).
func (f *Flavor) Placeholder(i int) string {
	switch f.Name {
	case "postgresql", "timescaledb", "cockroachdb":
		return fmt.Sprintf("$%d", i)
	case "mssql":
		return fmt.Sprintf("@p%d", i)
	case "oracle":
		return fmt.Sprintf(":%d", i)
	default:
		return "?"
	}
}

// Limit1 appends the flavor's single-row limit to a query body.
// MSSQL injects TOP 1 into the SELECT instead.
func (f *Flavor) Limit1(selectBody string) string {
	if f.Name == "mssql" {
		return "SELECT TOP 1 " + strings.TrimPrefix(selectBody, "SELECT ")
	}
	return selectBody + "\nLIMIT 1"
}
