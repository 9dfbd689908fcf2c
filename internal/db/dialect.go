package db

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported driver names, as registered with database/sql
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// dialect captures the few places where PostgreSQL and SQLite disagree
type dialect struct {
	name      string
	jsonType  string
	floatType string
	timeType  string
	serialPK  string
	noLimit   string
}

var (
	postgresDialect = dialect{
		name:      DriverPostgres,
		jsonType:  "JSONB",
		floatType: "DOUBLE PRECISION",
		timeType:  "TIMESTAMPTZ",
		serialPK:  "BIGSERIAL PRIMARY KEY",
		noLimit:   "ALL",
	}
	sqliteDialect = dialect{
		name:      DriverSQLite,
		jsonType:  "TEXT",
		floatType: "REAL",
		timeType:  "TEXT",
		serialPK:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		noLimit:   "-1",
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres, "pq", "postgresql":
		return postgresDialect, nil
	case DriverSQLite, "sqlite3":
		return sqliteDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $n placeholders into SQLite's ?n form
func (d dialect) rebind(query string) string {
	if d.name == DriverPostgres {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

// expand fills the {json}, {float}, {time} and {serial} column type markers
func (d dialect) expand(ddl string) string {
	return strings.NewReplacer(
		"{json}", d.jsonType,
		"{float}", d.floatType,
		"{time}", d.timeType,
		"{serial}", d.serialPK,
	).Replace(ddl)
}

// timeArg converts t into the value the driver stores for a {time} column
func (d dialect) timeArg(t time.Time) any {
	if d.name == DriverPostgres {
		return t.UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// jsonArg passes encoded JSON as text, which both JSONB and TEXT accept
func (d dialect) jsonArg(b []byte) any {
	return string(b)
}

// isUniqueViolation reports whether err is a unique or primary key collision
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// timestamp scans a {time} column from either driver
type timestamp struct {
	t *time.Time
}

func (ts timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*ts.t = time.Time{}
	case time.Time:
		*ts.t = v.UTC()
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	default:
		return fmt.Errorf("scan timestamp: unsupported type %T", src)
	}
	return nil
}

func (ts timestamp) parse(s string) error {
	if s == "" {
		*ts.t = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("scan timestamp %q: %w", s, err)
	}
	*ts.t = t.UTC()
	return nil
}

// jsonText scans a {json} column into raw bytes
type jsonText struct {
	b *[]byte
}

func (j jsonText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j.b = nil
	case []byte:
		*j.b = append((*j.b)[:0], v...)
	case string:
		*j.b = []byte(v)
	default:
		return fmt.Errorf("scan json: unsupported type %T", src)
	}
	return nil
}
