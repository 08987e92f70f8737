package fleet

import "time"

// Status is the connection state of a monitored instance.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusError        Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusConnected, StatusDisconnected, StatusConnecting, StatusError:
		return true
	}
	return false
}

// Quality is the coarse bucket derived from a health score.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// ConnectionMetrics is the current view of one monitored instance.
type ConnectionMetrics struct {
	InstanceID           string    `json:"instance_id"`
	Status               Status    `json:"status"`
	LastSeen             time.Time `json:"last_seen"`
	ResponseTimeMs       int64     `json:"response_time_ms"`
	UptimePercent        float64   `json:"uptime_percent"`
	ErrorCount           int       `json:"error_count"`
	MessagesProcessed    int64     `json:"messages_processed"`
	ConnectionQuality    Quality   `json:"connection_quality"`
	ReconnectionAttempts int       `json:"reconnection_attempts"`
	QRCodeGenerations    int       `json:"qr_code_generations"`
	Score                int       `json:"score"`
	TotalChecks          int       `json:"total_checks"`
	SuccessfulChecks     int       `json:"successful_checks"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// MetricsPatch carries a partial update. Nil fields are left untouched.
type MetricsPatch struct {
	Status               *Status
	LastSeen             *time.Time
	ResponseTimeMs       *int64
	UptimePercent        *float64
	ErrorCount           *int
	MessagesProcessed    *int64
	ReconnectionAttempts *int
	QRCodeGenerations    *int
	Score                *int
	TotalChecks          *int
	SuccessfulChecks     *int
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// Apply merges the patch into m.
func (p MetricsPatch) Apply(m *ConnectionMetrics) {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.LastSeen != nil {
		m.LastSeen = *p.LastSeen
	}
	if p.ResponseTimeMs != nil {
		m.ResponseTimeMs = *p.ResponseTimeMs
	}
	if p.UptimePercent != nil {
		m.UptimePercent = *p.UptimePercent
	}
	if p.ErrorCount != nil {
		m.ErrorCount = *p.ErrorCount
	}
	if p.MessagesProcessed != nil {
		m.MessagesProcessed = *p.MessagesProcessed
	}
	if p.ReconnectionAttempts != nil {
		m.ReconnectionAttempts = *p.ReconnectionAttempts
	}
	if p.QRCodeGenerations != nil {
		m.QRCodeGenerations = *p.QRCodeGenerations
	}
	if p.Score != nil {
		m.Score = *p.Score
	}
	if p.TotalChecks != nil {
		m.TotalChecks = *p.TotalChecks
	}
	if p.SuccessfulChecks != nil {
		m.SuccessfulChecks = *p.SuccessfulChecks
	}
}
