package sqlconn

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pipestream-io/pipestream/internal/connector"
)

// defaultPorts per flavor, applied when the attributes omit one.
var defaultPorts = map[string]int{
	"postgresql":  5432,
	"timescaledb": 5432,
	"cockroachdb": 26257,
	"mssql":       1433,
	"mysql":       3306,
	"mariadb":     3306,
	"oracle":      1521,
}

// buildDSN assembles a connection string from attributes. Credentials
// and database names are URL-encoded so passwords with @ : / ? survive.
func buildDSN(flavor string, attrs map[string]interface{}) (string, error) {
	host := connector.StringAttr(attrs, "host", "localhost")
	port := connector.IntAttr(attrs, "port", defaultPorts[flavor])
	database := connector.StringAttr(attrs, "database", "")
	user := connector.StringAttr(attrs, "username", "")
	password := connector.StringAttr(attrs, "password", "")

	switch flavor {
	case "postgresql", "timescaledb", "cockroachdb":
		if database == "" {
			return "", fmt.Errorf("flavor %s needs a database attribute", flavor)
		}
		sslmode := connector.StringAttr(attrs, "sslmode", "prefer")
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(user), url.QueryEscape(password),
			host, port, url.PathEscape(database), sslmode), nil

	case "mssql":
		if database == "" {
			return "", fmt.Errorf("flavor %s needs a database attribute", flavor)
		}
		q := url.Values{}
		q.Set("database", database)
		if v := connector.StringAttr(attrs, "encrypt", ""); v != "" {
			q.Set("encrypt", v)
		}
		if v := connector.StringAttr(attrs, "trust_server_certificate", ""); v != "" {
			q.Set("trustServerCertificate", v)
		}
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
			url.QueryEscape(user), url.QueryEscape(password),
			host, port, q.Encode()), nil

	case "mysql", "mariadb":
		if database == "" {
			return "", fmt.Errorf("flavor %s needs a database attribute", flavor)
		}
		// go-sql-driver format; parseTime so datetime columns scan as
		// time.Time.
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			user, password, host, port, database), nil

	case "oracle":
		service := connector.StringAttr(attrs, "service", database)
		if service == "" {
			return "", fmt.Errorf("flavor oracle needs a service or database attribute")
		}
		return fmt.Sprintf(`user=%q password=%q connectString=%q`,
			user, password, fmt.Sprintf("%s:%d/%s", host, port, service)), nil

	case "sqlite", "duckdb":
		if database == "" {
			return "", fmt.Errorf("flavor %s needs a database (file path) attribute", flavor)
		}
		return database, nil

	default:
		return "", fmt.Errorf("cannot build a connection string for flavor %q", flavor)
	}
}

// flavorFromURI guesses the flavor from a connection string scheme.
func flavorFromURI(uri string) string {
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return "postgresql"
	case strings.HasPrefix(uri, "timescaledb://"):
		return "timescaledb"
	case strings.HasPrefix(uri, "cockroachdb://"):
		return "cockroachdb"
	case strings.HasPrefix(uri, "sqlserver://"), strings.HasPrefix(uri, "mssql://"):
		return "mssql"
	case strings.HasPrefix(uri, "mysql://"):
		return "mysql"
	case strings.HasPrefix(uri, "mariadb://"):
		return "mariadb"
	case strings.HasPrefix(uri, "oracle://"):
		return "oracle"
	case strings.HasPrefix(uri, "duckdb://"):
		return "duckdb"
	case strings.HasPrefix(uri, "sqlite://"), strings.HasSuffix(uri, ".db"), strings.HasSuffix(uri, ".sqlite"):
		return "sqlite"
	default:
		return ""
	}
}

// dsnForDriver strips scheme decoration the underlying driver does not
// understand.
func (c *SQLConnector) dsnForDriver() string {
	switch c.flavor.Name {
	case "mysql", "mariadb":
		if strings.HasPrefix(c.uri, "mysql://") {
			return strings.TrimPrefix(c.uri, "mysql://")
		}
		if strings.HasPrefix(c.uri, "mariadb://") {
			return strings.TrimPrefix(c.uri, "mariadb://")
		}
		return c.uri
	case "timescaledb", "cockroachdb":
		// pgx expects a postgres scheme.
		if i := strings.Index(c.uri, "://"); i > 0 {
			return "postgres" + c.uri[i:]
		}
		return c.uri
	case "sqlite":
		return strings.TrimPrefix(c.uri, "sqlite://")
	case "duckdb":
		return strings.TrimPrefix(c.uri, "duckdb://")
	default:
		return c.uri
	}
}
