package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// HTTPRequester represents the minimum HTTP client contract used for probes.
type HTTPRequester interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig configures the reference HTTP probe client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient HTTPRequester
}

// HTTPClient implements ProbeClient against an instance-manager REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient HTTPRequester
}

// ClientError exposes categorized probe transport failures.
type ClientError struct {
	Code    string
	Message string
	Detail  string
}

func (e *ClientError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// NewHTTPClient builds a probe client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
	}
}

// CheckAPIHealth calls the API root and reports its round-trip latency.
func (c *HTTPClient) CheckAPIHealth(ctx context.Context) (APIHealth, error) {
	var body struct {
		Status  any    `json:"status"`
		Message string `json:"message"`
	}
	start := time.Now()
	if err := c.getJSON(ctx, "/", &body); err != nil {
		return APIHealth{}, err
	}
	return APIHealth{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}, nil
}

// GetInstanceState returns the remote connection state of an instance.
func (c *HTTPClient) GetInstanceState(ctx context.Context, instanceID string) (InstanceState, error) {
	var body struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
		State string `json:"state"`
	}
	if err := c.getJSON(ctx, "/instance/connectionState/"+instanceID, &body); err != nil {
		return InstanceState{}, err
	}
	state := body.Instance.State
	if state == "" {
		state = body.State
	}
	if state == "" {
		return InstanceState{}, &ClientError{Code: "decode_failed", Message: "connection state missing from response"}
	}
	return InstanceState{State: state}, nil
}

// GetWebhookConfig returns the webhook configuration of an instance. A null
// body means no webhook is configured.
func (c *HTTPClient) GetWebhookConfig(ctx context.Context, instanceID string) (WebhookConfig, error) {
	var body *WebhookConfig
	if err := c.getJSON(ctx, "/webhook/find/"+instanceID, &body); err != nil {
		return WebhookConfig{}, err
	}
	if body == nil {
		return WebhookConfig{}, nil
	}
	return *body, nil
}

// MeasureConnectivity times a lightweight instance lookup.
func (c *HTTPClient) MeasureConnectivity(ctx context.Context, instanceID string) (Connectivity, error) {
	var body json.RawMessage
	start := time.Now()
	endpoint := "/instance/fetchInstances?instanceName=" + url.QueryEscape(instanceID)
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return Connectivity{}, err
	}
	return Connectivity{LatencyMs: time.Since(start).Milliseconds()}, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, dst any) error {
	if c.baseURL == "" {
		return &ClientError{Code: "config_invalid", Message: "probe base URL is not configured"}
	}
	reqURL, err := url.Parse(c.baseURL)
	if err != nil {
		return &ClientError{Code: "config_invalid", Message: "invalid probe base URL", Detail: err.Error()}
	}
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	reqURL.Path = path.Join("/", reqURL.Path, rawPath)
	reqURL.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return &ClientError{Code: "request_failed", Message: "failed to build probe request", Detail: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &ClientError{Code: "timeout", Message: "probe request timed out", Detail: err.Error()}
		}
		return &ClientError{Code: "unreachable", Message: "probe request failed", Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ClientError{Code: "auth_failed", Message: "probe authentication failed", Detail: resp.Status}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &ClientError{Code: "request_failed", Message: "probe request failed", Detail: strings.TrimSpace(fmt.Sprintf("%s %s", resp.Status, string(body)))}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &ClientError{Code: "decode_failed", Message: "failed to decode probe response", Detail: err.Error()}
	}
	return nil
}
