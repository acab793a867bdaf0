// Copyright 2025 James Ross
package sqlq

import "fmt"

// dialect abstracts the two placeholder styles and engines spec.md
// section 4.5 names: Postgres ($N, driven by jackc/pgx/v5) and MySQL
// 8+ (?, driven by github.com/go-sql-driver/mysql). Both support
// SELECT ... FOR UPDATE SKIP LOCKED, the row-claiming primitive
// grounded on the SKIP LOCKED query in
// other_examples' internal-job-queue.go.go, adapted here to a
// select-then-update shape so it works without Postgres's RETURNING,
// which MySQL does not support.
type dialect interface {
	name() string
	placeholder(n int) string
	driverName() string
	// lockClause is appended to the claim SELECT; both production
	// engines support SKIP LOCKED, a test-only dialect may return "".
	lockClause() string
}

type postgresDialect struct{}

func (postgresDialect) name() string            { return "postgres" }
func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) driverName() string       { return "pgx" }
func (postgresDialect) lockClause() string       { return " FOR UPDATE SKIP LOCKED" }

type mysqlDialect struct{}

func (mysqlDialect) name() string            { return "mysql" }
func (mysqlDialect) placeholder(int) string  { return "?" }
func (mysqlDialect) driverName() string      { return "mysql" }
func (mysqlDialect) lockClause() string      { return " FOR UPDATE SKIP LOCKED" }

func dialectFor(name string) (dialect, error) {
	switch name {
	case "postgres", "postgresql":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("sqlq: unsupported engine %q", name)
	}
}

// Schema is the fixed table DDL spec.md section 4.5 requires; callers
// run migrations themselves, this is documentation plus a convenience
// for tests.
const Schema = `
CREATE TABLE IF NOT EXISTS %s (
	id             VARCHAR(64) PRIMARY KEY,
	type           VARCHAR(100) NOT NULL,
	data           TEXT,
	status         VARCHAR(20) NOT NULL,
	priority       INT NOT NULL DEFAULT 0,
	attempts       INT NOT NULL DEFAULT 0,
	max_attempts   INT NOT NULL DEFAULT 1,
	backoff        VARCHAR(20),
	backoff_base_ms BIGINT,
	backoff_max_ms BIGINT,
	available_at   TIMESTAMP NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	started_at     TIMESTAMP NULL,
	completed_at   TIMESTAMP NULL,
	failed_at      TIMESTAMP NULL,
	last_error     TEXT,
	stalled_count  INT NOT NULL DEFAULT 0,
	trace_id       VARCHAR(64),
	span_id        VARCHAR(32)
)`

// PausedSchema is the companion table tracking paused job types, the
// SQL-transport equivalent of the memory transport's pausedTypes map
// and the Redis transport's paused:{type}/pausedAll keys. A row with
// type = "*" means every type is paused.
const PausedSchema = `
CREATE TABLE IF NOT EXISTS %s (
	type VARCHAR(100) PRIMARY KEY
)`
