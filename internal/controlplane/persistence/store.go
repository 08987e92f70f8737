// Package persistence stores metrics snapshots and alerts in SQLite,
// PostgreSQL or MySQL through database/sql.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Config selects and addresses the database.
type Config struct {
	Driver string
	DSN    string
}

// MetricsRecord is the persisted shape of one instance's metrics.
type MetricsRecord struct {
	InstanceName         string
	Status               string
	LastSeen             time.Time
	ResponseTime         int64
	Uptime               float64
	ErrorCount           int
	MessagesProcessed    int64
	ConnectionQuality    string
	QRCodeGenerations    int
	ReconnectionAttempts int
	UpdatedAt            time.Time
}

// AlertRecord is the persisted shape of one alert.
type AlertRecord struct {
	ID           string
	InstanceName string
	RuleID       string
	RuleName     string
	Severity     string
	Message      string
	Timestamp    time.Time
	Acknowledged bool
	ResolvedAt   *time.Time
}

// Store is the database-backed persistence sink.
type Store struct {
	db     *sql.DB
	driver Driver
	upsert string
}

// Open connects to the configured database and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver, err := ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("persistence dsn is required for %s", driver)
	}

	db, err := sql.Open(driver.sqlName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Single writer; WAL lets readers proceed alongside it.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	for _, stmt := range driver.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	for _, stmt := range driver.indexes() {
		_, _ = db.ExecContext(ctx, stmt)
	}

	return &Store{db: db, driver: driver, upsert: driver.upsertMetricsSQL()}, nil
}

// Driver returns the backend in use.
func (s *Store) Driver() Driver { return s.driver }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertMetrics writes the latest snapshot for an instance.
func (s *Store) UpsertMetrics(ctx context.Context, r MetricsRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.upsert,
		r.InstanceName,
		r.Status,
		formatNullableTime(r.LastSeen),
		r.ResponseTime,
		r.Uptime,
		r.ErrorCount,
		r.MessagesProcessed,
		r.ConnectionQuality,
		r.QRCodeGenerations,
		r.ReconnectionAttempts,
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert metrics %s: %w", r.InstanceName, err)
	}
	return nil
}

// GetMetrics reads the stored snapshot for an instance.
func (s *Store) GetMetrics(ctx context.Context, instance string) (MetricsRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, s.driver.rebind(`SELECT instance_name, status, last_seen, response_time, uptime,
		error_count, messages_processed, connection_quality, qr_code_generations, reconnection_attempts, updated_at
		FROM connection_metrics WHERE instance_name = ?`), instance)

	var (
		r         MetricsRecord
		lastSeen  sql.NullString
		updatedAt string
	)
	err := row.Scan(&r.InstanceName, &r.Status, &lastSeen, &r.ResponseTime, &r.Uptime, &r.ErrorCount,
		&r.MessagesProcessed, &r.ConnectionQuality, &r.QRCodeGenerations, &r.ReconnectionAttempts, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MetricsRecord{}, false, nil
	}
	if err != nil {
		return MetricsRecord{}, false, fmt.Errorf("get metrics %s: %w", instance, err)
	}
	if lastSeen.Valid {
		r.LastSeen = parseTime(lastSeen.String)
	}
	r.UpdatedAt = parseTime(updatedAt)
	return r, true, nil
}

// InsertAlert stores a new alert.
func (s *Store) InsertAlert(ctx context.Context, a AlertRecord) error {
	_, err := s.db.ExecContext(ctx, s.driver.rebind(`INSERT INTO alerts
		(id, instance_name, rule_id, rule_name, severity, message, timestamp, acknowledged, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.InstanceName, a.RuleID, a.RuleName, a.Severity, a.Message,
		formatTime(a.Timestamp), boolInt(a.Acknowledged), formatTimePtr(a.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAlert writes the lifecycle fields of an alert.
func (s *Store) UpdateAlert(ctx context.Context, a AlertRecord) error {
	res, err := s.db.ExecContext(ctx, s.driver.rebind(`UPDATE alerts SET acknowledged = ?, resolved_at = ? WHERE id = ?`),
		boolInt(a.Acknowledged), formatTimePtr(a.ResolvedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && s.driver != DriverMySQL {
		// MySQL reports zero for unchanged rows, so only trust this elsewhere.
		return fmt.Errorf("update alert %s: %w", a.ID, sql.ErrNoRows)
	}
	return nil
}

// LoadAlerts returns alerts created at or after since, newest first.
func (s *Store) LoadAlerts(ctx context.Context, since time.Time) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.driver.rebind(`SELECT id, instance_name, rule_id, rule_name, severity, message,
		timestamp, acknowledged, resolved_at FROM alerts WHERE timestamp >= ? ORDER BY timestamp DESC`), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var (
			a          AlertRecord
			ts         string
			ack        int
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.InstanceName, &a.RuleID, &a.RuleName, &a.Severity, &a.Message, &ts, &ack, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Timestamp = parseTime(ts)
		a.Acknowledged = ack != 0
		if resolvedAt.Valid && resolvedAt.String != "" {
			t := parseTime(resolvedAt.String)
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAlertsOlderThan removes alerts created before cutoff.
func (s *Store) DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, `DELETE FROM alerts WHERE timestamp < ?`, cutoff)
}

// DeleteMetricsOlderThan removes metrics snapshots not updated since cutoff.
func (s *Store) DeleteMetricsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, `DELETE FROM connection_metrics WHERE updated_at < ?`, cutoff)
}

// DeleteOlderThan removes alerts and metrics older than cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	alerts, err := s.DeleteAlertsOlderThan(ctx, cutoff)
	if err != nil {
		return alerts, err
	}
	metrics, err := s.DeleteMetricsOlderThan(ctx, cutoff)
	return alerts + metrics, err
}

func (s *Store) deleteBefore(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.driver.rebind(query), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return purgedRows(res, cutoff)
}

// purgedRows reads the delete count. The rows are already gone when it
// fails, so the error says so instead of reporting zero.
func purgedRows(res sql.Result, cutoff time.Time) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count rows deleted before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
