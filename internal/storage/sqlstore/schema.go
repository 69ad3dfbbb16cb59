// Package sqlstore stores device registrations and topic subscriptions in a
// relational database through Relica. MySQL, PostgreSQL and SQLite are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registered drivers, selected by name at runtime.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Migrate creates the registration and topic tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, driverName, prefix string) error {
	var id, ts string
	switch strings.ToLower(driverName) {
	case DriverMySQL:
		id, ts = "BIGINT AUTO_INCREMENT PRIMARY KEY", "DATETIME(6)"
	case DriverPostgres:
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	case DriverSQLite:
		id, ts = "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	default:
		return fmt.Errorf("unsupported driver %q", driverName)
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sregistration (
	id %s,
	publisher_id VARCHAR(128) NOT NULL,
	username VARCHAR(128) NOT NULL,
	app_id VARCHAR(128) NOT NULL,
	device_id VARCHAR(64) NOT NULL,
	registration_id VARCHAR(1024) NOT NULL,
	platform VARCHAR(16) NOT NULL,
	scm_version INTEGER NOT NULL,
	endpoint VARCHAR(1024) NOT NULL,
	p256dh VARCHAR(256) NOT NULL,
	auth VARCHAR(256) NOT NULL,
	expiration_time %s NULL,
	is_active BOOLEAN NOT NULL,
	updated_at %s NOT NULL
)`, prefix, id, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sdevice_topic (
	id %s,
	publisher_id VARCHAR(128) NOT NULL,
	username VARCHAR(128) NOT NULL,
	app_id VARCHAR(128) NOT NULL,
	device_id VARCHAR(64) NOT NULL,
	topic VARCHAR(256) NOT NULL,
	is_active BOOLEAN NOT NULL,
	updated_at %s NOT NULL
)`, prefix, id, ts),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// placeholders renders "?, ?, ?" for an IN clause of n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
