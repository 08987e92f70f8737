package healthcheck

import "github.com/marcus-qen/connwatch/internal/controlplane/fleet"

// Scoring constants.
const (
	slowAPIMs         = 2000
	verySlowAPIMs     = 5000
	slowAPIPenalty    = 10
	verySlowPenalty   = 20
	errorPenalty      = 5
	maxErrorPenalty   = 30
	slowConnectMs     = 2000
	reviewErrorsCount = 3
)

// Recommendations.
const (
	RecommendEnableWebhook = "Enable the webhook for this instance so events are delivered"
	RecommendCheckNetwork  = "Check network connectivity: response latency is high"
	RecommendCheckAPI      = "Verify the instance API is reachable and the API key is valid"
	RecommendReconnect     = "Reconnect the instance: it is not in the open state"
	RecommendReviewErrors  = "Review recent errors for this instance"
)

// Score computes the composite health score.
//
// The base is the share of passed sub-checks. A measured API latency above
// 2000ms costs 10 points, above 5000ms a further 20. Every recorded error
// costs 5 points, capped at 30. The result is floored at 0.
func Score(okCount, totalChecks int, apiLatencyMs int64, errorCount int) int {
	if totalChecks <= 0 {
		return 0
	}
	score := 100 * okCount / totalChecks

	if apiLatencyMs > slowAPIMs {
		score -= slowAPIPenalty
	}
	if apiLatencyMs > verySlowAPIMs {
		score -= verySlowPenalty
	}

	penalty := errorPenalty * errorCount
	if penalty > maxErrorPenalty {
		penalty = maxErrorPenalty
	}
	score -= penalty

	return fleet.ClampScore(score)
}

func recommendations(checks map[CheckName]CheckResult, state string, errorCount int) []string {
	out := []string{}

	api := checks[CheckAPI]
	if !api.OK() {
		out = append(out, RecommendCheckAPI)
	}
	if st := checks[CheckInstanceState]; st.OK() && state != "open" {
		out = append(out, RecommendReconnect)
	}
	if !checks[CheckWebhook].OK() {
		out = append(out, RecommendEnableWebhook)
	}
	conn := checks[CheckConnectivity]
	if (api.OK() && api.LatencyMs > slowAPIMs) || (conn.OK() && conn.LatencyMs > slowConnectMs) {
		out = append(out, RecommendCheckNetwork)
	}
	if errorCount >= reviewErrorsCount {
		out = append(out, RecommendReviewErrors)
	}
	return out
}

// statusFor maps the reported state to a status. A state that was read
// successfully keeps its sub-check ok even when it is not open; the score
// measures reachability and the status carries the connection itself.
func statusFor(checks map[CheckName]CheckResult, state string) fleet.Status {
	if !checks[CheckInstanceState].OK() {
		return fleet.StatusError
	}
	switch state {
	case "open", "connected":
		return fleet.StatusConnected
	case "connecting":
		return fleet.StatusConnecting
	default:
		return fleet.StatusDisconnected
	}
}
