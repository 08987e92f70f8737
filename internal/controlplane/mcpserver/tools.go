package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type globalStatsInput struct{}

type instanceInput struct {
	InstanceID string `json:"instance_id" jsonschema:"instance identifier"`
}

type instanceMetricsInput struct {
	InstanceID     string `json:"instance_id" jsonschema:"instance identifier"`
	IncludeHistory bool   `json:"include_history,omitempty" jsonschema:"also return the snapshot history, oldest first"`
}

type alertsInput struct {
	InstanceID string `json:"instance_id,omitempty" jsonschema:"optional instance filter"`
	Limit      int    `json:"limit,omitempty" jsonschema:"optional limit for history (default 50)"`
	History    bool   `json:"history,omitempty" jsonschema:"include acknowledged and resolved alerts"`
}

type alertIDInput struct {
	AlertID string `json:"alert_id" jsonschema:"alert identifier"`
}

type instanceMetricsOutput struct {
	Metrics   fleet.ConnectionMetrics   `json:"metrics"`
	Monitored bool                      `json:"monitored"`
	History   []fleet.ConnectionMetrics `json:"history,omitempty"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "connwatch_global_stats",
		Description: "Summarise every known instance: connection counts, active alerts and overall health",
	}, s.handleGlobalStats)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "connwatch_instance_metrics",
		Description: "Get the current connection metrics for one instance",
	}, s.handleInstanceMetrics)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "connwatch_check_health",
		Description: "Run one health check against an instance now",
	}, s.handleCheckHealth)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "connwatch_diagnostics",
		Description: "Run full diagnostics for an instance with recommendations",
	}, s.handleDiagnostics)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "connwatch_alerts",
		Description: "List active alerts, or alert history with history=true",
	}, s.handleAlerts)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "connwatch_acknowledge_alert",
		Description: "Acknowledge an active alert",
	}, s.handleAcknowledgeAlert)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "connwatch_resolve_alert",
		Description: "Resolve an alert",
	}, s.handleResolveAlert)
}

func (s *MCPServer) handleGlobalStats(_ context.Context, _ *mcp.CallToolRequest, _ globalStatsInput) (*mcp.CallToolResult, any, error) {
	if s.monitor == nil {
		return nil, nil, fmt.Errorf("monitor unavailable")
	}
	return jsonToolResult(s.monitor.GetGlobalStats())
}

func (s *MCPServer) handleInstanceMetrics(_ context.Context, _ *mcp.CallToolRequest, input instanceMetricsInput) (*mcp.CallToolResult, any, error) {
	if s.monitor == nil {
		return nil, nil, fmt.Errorf("monitor unavailable")
	}
	id := strings.TrimSpace(input.InstanceID)
	if id == "" {
		return nil, nil, fmt.Errorf("instance_id is required")
	}
	m, ok := s.monitor.GetMetrics(id)
	if !ok {
		return nil, nil, fmt.Errorf("instance not found: %s", id)
	}
	out := instanceMetricsOutput{Metrics: m, Monitored: s.monitor.IsMonitored(id)}
	if input.IncludeHistory {
		out.History = s.monitor.MetricsHistory(id)
	}
	return jsonToolResult(out)
}

func (s *MCPServer) handleCheckHealth(ctx context.Context, _ *mcp.CallToolRequest, input instanceInput) (*mcp.CallToolResult, any, error) {
	if s.monitor == nil {
		return nil, nil, fmt.Errorf("monitor unavailable")
	}
	result, err := s.monitor.CheckInstanceHealth(ctx, input.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(result)
}

func (s *MCPServer) handleDiagnostics(ctx context.Context, _ *mcp.CallToolRequest, input instanceInput) (*mcp.CallToolResult, any, error) {
	if s.monitor == nil {
		return nil, nil, fmt.Errorf("monitor unavailable")
	}
	d, err := s.monitor.RunCompleteDiagnostics(ctx, input.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(d)
}

func (s *MCPServer) handleAlerts(_ context.Context, _ *mcp.CallToolRequest, input alertsInput) (*mcp.CallToolResult, any, error) {
	if s.monitor == nil {
		return nil, nil, fmt.Errorf("monitor unavailable")
	}
	id := strings.TrimSpace(input.InstanceID)
	if !input.History {
		return jsonToolResult(s.monitor.GetActiveAlerts(id))
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	return jsonToolResult(s.monitor.GetAlertHistory(id, limit))
}

func (s *MCPServer) handleAcknowledgeAlert(ctx context.Context, _ *mcp.CallToolRequest, input alertIDInput) (*mcp.CallToolResult, any, error) {
	if s.monitor == nil {
		return nil, nil, fmt.Errorf("monitor unavailable")
	}
	id := strings.TrimSpace(input.AlertID)
	if id == "" {
		return nil, nil, fmt.Errorf("alert_id is required")
	}
	if !s.monitor.AcknowledgeAlert(ctx, id) {
		return nil, nil, fmt.Errorf("alert not found or already resolved: %s", id)
	}
	s.logger.Info("alert acknowledged via mcp", zap.String("alert_id", id))
	a, _ := s.monitor.GetAlert(id)
	return jsonToolResult(a)
}

func (s *MCPServer) handleResolveAlert(ctx context.Context, _ *mcp.CallToolRequest, input alertIDInput) (*mcp.CallToolResult, any, error) {
	if s.monitor == nil {
		return nil, nil, fmt.Errorf("monitor unavailable")
	}
	id := strings.TrimSpace(input.AlertID)
	if id == "" {
		return nil, nil, fmt.Errorf("alert_id is required")
	}
	if !s.monitor.ResolveAlert(ctx, id) {
		return nil, nil, fmt.Errorf("alert not found: %s", id)
	}
	s.logger.Info("alert resolved via mcp", zap.String("alert_id", id))
	a, _ := s.monitor.GetAlert(id)
	return jsonToolResult(a)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
