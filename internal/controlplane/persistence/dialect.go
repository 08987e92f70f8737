package persistence

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver selects the database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// ParseDriver normalises a configured driver name.
func ParseDriver(name string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	case "mysql", "mariadb":
		return DriverMySQL, nil
	}
	return "", fmt.Errorf("unsupported persistence driver %q", name)
}

// sqlName maps the driver to its database/sql registration.
func (d Driver) sqlName() string {
	if d == DriverPostgres {
		return "pgx" // pgx/v5/stdlib registers as "pgx"
	}
	return string(d)
}

// rebind rewrites ? placeholders to $n for postgres.
func (d Driver) rebind(query string) string {
	if d != DriverPostgres {
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

func (d Driver) schema() []string {
	key := "TEXT"
	ts := "TEXT"
	if d == DriverMySQL {
		key = "VARCHAR(255)"
		ts = "VARCHAR(40)"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS connection_metrics (
			instance_name         ` + key + ` PRIMARY KEY,
			status                VARCHAR(32) NOT NULL,
			last_seen             ` + ts + `,
			response_time         BIGINT NOT NULL DEFAULT 0,
			uptime                DOUBLE PRECISION NOT NULL DEFAULT 0,
			error_count           INTEGER NOT NULL DEFAULT 0,
			messages_processed    BIGINT NOT NULL DEFAULT 0,
			connection_quality    VARCHAR(32) NOT NULL,
			qr_code_generations   INTEGER NOT NULL DEFAULT 0,
			reconnection_attempts INTEGER NOT NULL DEFAULT 0,
			updated_at            ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id            ` + key + ` PRIMARY KEY,
			instance_name VARCHAR(255) NOT NULL,
			rule_id       VARCHAR(255) NOT NULL,
			rule_name     VARCHAR(255) NOT NULL,
			severity      VARCHAR(32) NOT NULL,
			message       TEXT NOT NULL,
			timestamp     ` + ts + ` NOT NULL,
			acknowledged  INTEGER NOT NULL DEFAULT 0,
			resolved_at   ` + ts + `
		)`,
	}
}

func (d Driver) indexes() []string {
	if d == DriverMySQL {
		// MySQL has no IF NOT EXISTS for indexes; failures on re-create are ignored.
		return []string{
			`CREATE INDEX idx_alerts_instance_ts ON alerts(instance_name, timestamp)`,
			`CREATE INDEX idx_alerts_ts ON alerts(timestamp)`,
		}
	}
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_alerts_instance_ts ON alerts(instance_name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(timestamp)`,
	}
}

func (d Driver) upsertMetricsSQL() string {
	cols := []string{"status", "last_seen", "response_time", "uptime", "error_count", "messages_processed",
		"connection_quality", "qr_code_generations", "reconnection_attempts", "updated_at"}
	insert := `INSERT INTO connection_metrics (instance_name, ` + strings.Join(cols, ", ") + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sets := make([]string, len(cols))
	for i, c := range cols {
		if d == DriverMySQL {
			sets[i] = c + " = VALUES(" + c + ")"
		} else {
			sets[i] = c + " = excluded." + c
		}
	}
	if d == DriverMySQL {
		return d.rebind(insert + ` ON DUPLICATE KEY UPDATE ` + strings.Join(sets, ", "))
	}
	return d.rebind(insert + ` ON CONFLICT(instance_name) DO UPDATE SET ` + strings.Join(sets, ", "))
}
