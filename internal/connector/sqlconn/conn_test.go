package sqlconn

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/pipestream-io/pipestream/internal/dialect"
)

// mockConnector wires an SQLConnector to a sqlmock handle.
func mockConnector(t *testing.T, flavorName string) (*SQLConnector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	c := &SQLConnector{
		label:  "mock",
		flavor: dialect.Get(flavorName),
		db:     db,
	}
	t.Cleanup(func() { db.Close() })
	return c, mock
}

func TestBuildDSNPostgres(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
		database string
		wantUser string
		wantPass string
		wantDB   string
	}{
		{"plain credentials", "admin", "secret", "pipes", "admin", "secret", "pipes"},
		{"password with @", "admin", "pass@word", "pipes", "admin", "pass%40word", "pipes"},
		{"password with colon", "admin", "pass:word", "pipes", "admin", "pass%3Aword", "pipes"},
		{"password with slash", "admin", "pass/word", "pipes", "admin", "pass%2Fword", "pipes"},
		{"user with @", "user@domain", "secret", "pipes", "user%40domain", "secret", "pipes"},
		{"database with spaces", "admin", "secret", "my pipes", "admin", "secret", "my%20pipes"},
		{"complex password", "admin", "P@ss:w/rd?123", "pipes", "admin", "P%40ss%3Aw%2Frd%3F123", "pipes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := buildDSN("postgresql", map[string]interface{}{
				"host":     "localhost",
				"port":     5432,
				"database": tt.database,
				"username": tt.user,
				"password": tt.password,
			})
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(dsn, tt.wantUser+":") {
				t.Errorf("DSN missing encoded user %q in %q", tt.wantUser, dsn)
			}
			if !strings.Contains(dsn, ":"+tt.wantPass+"@") {
				t.Errorf("DSN missing encoded password %q in %q", tt.wantPass, dsn)
			}
			if !strings.Contains(dsn, "/"+tt.wantDB+"?") {
				t.Errorf("DSN missing encoded database %q in %q", tt.wantDB, dsn)
			}
		})
	}
}

func TestBuildDSNMSSQL(t *testing.T) {
	dsn, err := buildDSN("mssql", map[string]interface{}{
		"host":     "dbhost",
		"database": "my db",
		"username": "user@domain",
		"password": "p@ss",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dsn, "sqlserver://") {
		t.Errorf("DSN = %q", dsn)
	}
	if !strings.Contains(dsn, "user%40domain:p%40ss@dbhost:1433") {
		t.Errorf("DSN missing encoded userinfo: %q", dsn)
	}
	if !strings.Contains(dsn, "database=my+db") {
		t.Errorf("DSN missing encoded database: %q", dsn)
	}
}

func TestBuildDSNMySQL(t *testing.T) {
	dsn, err := buildDSN("mysql", map[string]interface{}{
		"host":     "dbhost",
		"database": "pipes",
		"username": "u",
		"password": "p",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "u:p@tcp(dbhost:3306)/pipes?parseTime=true"
	if dsn != want {
		t.Errorf("DSN = %q, want %q", dsn, want)
	}
}

func TestBuildDSNFileFlavors(t *testing.T) {
	for _, flavor := range []string{"sqlite", "duckdb"} {
		dsn, err := buildDSN(flavor, map[string]interface{}{"database": "/tmp/pipes.db"})
		if err != nil {
			t.Fatal(err)
		}
		if dsn != "/tmp/pipes.db" {
			t.Errorf("%s DSN = %q", flavor, dsn)
		}
	}
	if _, err := buildDSN("sqlite", map[string]interface{}{}); err == nil {
		t.Error("file flavor without a path should fail")
	}
}

func TestFlavorFromURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"postgres://u:p@h/db", "postgresql"},
		{"postgresql://u:p@h/db", "postgresql"},
		{"sqlserver://u:p@h?database=db", "mssql"},
		{"mysql://u:p@h/db", "mysql"},
		{"/tmp/cache.db", "sqlite"},
		{"bogus", ""},
	}
	for _, tt := range tests {
		if got := flavorFromURI(tt.uri); got != tt.want {
			t.Errorf("flavorFromURI(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestTestProbe(t *testing.T) {
	c, mock := mockConnector(t, "postgresql")
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	if err := c.Test(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestValue(t *testing.T) {
	c, mock := mockConnector(t, "sqlite")
	mock.ExpectQuery("SELECT MAX").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(42)))

	v, err := c.Value(context.Background(), "SELECT MAX(x) FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(42) {
		t.Errorf("Value = %v", v)
	}

	mock.ExpectQuery("SELECT nothing").WillReturnRows(sqlmock.NewRows([]string{"x"}))
	v, err = c.Value(context.Background(), "SELECT nothing")
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("empty result should yield nil, got %v", v)
	}
}
