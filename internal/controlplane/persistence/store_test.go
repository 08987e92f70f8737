package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "connwatch.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMetricsUpsertRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 4, 1, 10, 0, 0, 123456000, time.UTC)

	rec := MetricsRecord{
		InstanceName:         "inst-1",
		Status:               "connected",
		LastSeen:             seen,
		ResponseTime:         120,
		Uptime:               99.5,
		ErrorCount:           1,
		MessagesProcessed:    42,
		ConnectionQuality:    "excellent",
		QRCodeGenerations:    2,
		ReconnectionAttempts: 3,
		UpdatedAt:            seen,
	}
	require.NoError(t, s.UpsertMetrics(ctx, rec))

	rec.Status = "disconnected"
	rec.ErrorCount = 4
	require.NoError(t, s.UpsertMetrics(ctx, rec))

	got, ok, err := s.GetMetrics(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "disconnected", got.Status)
	assert.Equal(t, 4, got.ErrorCount)
	assert.Equal(t, int64(42), got.MessagesProcessed)
	assert.True(t, got.LastSeen.Equal(seen), "last seen %v", got.LastSeen)

	_, ok, err = s.GetMetrics(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetricsWithoutLastSeen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertMetrics(ctx, MetricsRecord{InstanceName: "new", Status: "connecting", ConnectionQuality: "poor"}))

	got, ok, err := s.GetMetrics(ctx, "new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.LastSeen.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestAlertLifecycleAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.InsertAlert(ctx, AlertRecord{
			ID:           id,
			InstanceName: "inst-1",
			RuleID:       "instance_disconnected",
			RuleName:     "Instance disconnected",
			Severity:     "high",
			Message:      "Instance inst-1 is disconnected",
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
		}))
	}
	resolved := base.Add(5 * time.Hour)
	require.NoError(t, s.UpdateAlert(ctx, AlertRecord{ID: "a2", Acknowledged: true, ResolvedAt: &resolved}))
	require.Error(t, s.UpdateAlert(ctx, AlertRecord{ID: "missing"}))

	loaded, err := s.LoadAlerts(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a3", loaded[0].ID)
	assert.Equal(t, "a2", loaded[1].ID)
	assert.True(t, loaded[1].Acknowledged)
	require.NotNil(t, loaded[1].ResolvedAt)
	assert.True(t, loaded[1].ResolvedAt.Equal(resolved))
	assert.Nil(t, loaded[0].ResolvedAt)
}

func TestDeleteOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertAlert(ctx, AlertRecord{ID: "old", InstanceName: "i", RuleID: "r", RuleName: "R", Severity: "low", Timestamp: now.AddDate(0, 0, -40)}))
	require.NoError(t, s.InsertAlert(ctx, AlertRecord{ID: "new", InstanceName: "i", RuleID: "r", RuleName: "R", Severity: "low", Timestamp: now.AddDate(0, 0, -1)}))
	require.NoError(t, s.UpsertMetrics(ctx, MetricsRecord{InstanceName: "stale", Status: "disconnected", ConnectionQuality: "poor", UpdatedAt: now.AddDate(0, 0, -40)}))
	require.NoError(t, s.UpsertMetrics(ctx, MetricsRecord{InstanceName: "fresh", Status: "connected", ConnectionQuality: "good", UpdatedAt: now}))

	n, err := s.DeleteOlderThan(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	loaded, err := s.LoadAlerts(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "new", loaded[0].ID)

	_, ok, err := s.GetMetrics(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)
}

type countlessResult struct{ err error }

func (r countlessResult) LastInsertId() (int64, error) { return 0, r.err }
func (r countlessResult) RowsAffected() (int64, error) { return 0, r.err }

func TestPurgedRowsReportsCountFailure(t *testing.T) {
	cutoff := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	unsupported := errors.New("rows affected not supported")

	n, err := purgedRows(countlessResult{err: unsupported}, cutoff)
	require.ErrorIs(t, err, unsupported)
	assert.Contains(t, err.Error(), "2026-04-10T00:00:00Z")
	assert.Zero(t, n)
}

func TestSubSecondTimestampsSortLexically(t *testing.T) {
	a := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 500_000_000, time.UTC))
	assert.Less(t, a, b)
}

func TestRebindAndDrivers(t *testing.T) {
	assert.Equal(t, "SELECT $1, $2", DriverPostgres.rebind("SELECT ?, ?"))
	assert.Equal(t, "SELECT ?", DriverMySQL.rebind("SELECT ?"))
	assert.Equal(t, "pgx", DriverPostgres.sqlName())
	assert.Contains(t, DriverMySQL.upsertMetricsSQL(), "ON DUPLICATE KEY UPDATE status = VALUES(status)")
	assert.Contains(t, DriverPostgres.upsertMetricsSQL(), "VALUES ($1, $2")

	for in, want := range map[string]Driver{"": DriverSQLite, "postgresql": DriverPostgres, "MariaDB": DriverMySQL} {
		got, err := ParseDriver(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDriver("oracle")
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "sqlite"})
	assert.Error(t, err)
}
