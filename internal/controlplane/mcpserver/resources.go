package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	resourceGlobalStats  = "connwatch://stats/global"
	resourceInstances    = "connwatch://instances"
	resourceActiveAlerts = "connwatch://alerts/active"
	resourceAlertRules   = "connwatch://alerts/rules"
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         resourceGlobalStats,
		Name:        "Global Stats",
		Description: "Fleet-wide connection counts and overall health",
		MIMEType:    "application/json",
	}, s.jsonResource(resourceGlobalStats, func() any { return s.monitor.GetGlobalStats() }))

	s.server.AddResource(&mcp.Resource{
		URI:         resourceInstances,
		Name:        "Instances",
		Description: "Current metrics for every known instance",
		MIMEType:    "application/json",
	}, s.jsonResource(resourceInstances, func() any { return s.monitor.GetAllMetrics() }))

	s.server.AddResource(&mcp.Resource{
		URI:         resourceActiveAlerts,
		Name:        "Active Alerts",
		Description: "Unacknowledged, unresolved alerts, newest first",
		MIMEType:    "application/json",
	}, s.jsonResource(resourceActiveAlerts, func() any { return s.monitor.GetActiveAlerts("") }))

	s.server.AddResource(&mcp.Resource{
		URI:         resourceAlertRules,
		Name:        "Alert Rules",
		Description: "Configured alert rules",
		MIMEType:    "application/json",
	}, s.jsonResource(resourceAlertRules, func() any { return s.ruleSpecs() }))
}

func (s *MCPServer) jsonResource(defaultURI string, payload func() any) mcp.ResourceHandler {
	return func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if s.monitor == nil {
			return nil, fmt.Errorf("monitor unavailable")
		}
		data, err := json.Marshal(payload())
		if err != nil {
			return nil, err
		}

		uri := defaultURI
		if req != nil && req.Params != nil && req.Params.URI != "" {
			uri = req.Params.URI
		}

		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			}},
		}, nil
	}
}

func (s *MCPServer) ruleSpecs() []alerts.RuleSpec {
	rules := s.monitor.GetAlertRules()
	out := make([]alerts.RuleSpec, 0, len(rules))
	for _, r := range rules {
		out = append(out, alerts.ToSpec(r))
	}
	return out
}
