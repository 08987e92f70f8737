package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/marcus-qen/connwatch/internal/controlplane/config"
)

func TestBodySizeLimit_OversizedContentLengthRejected(t *testing.T) {
	srv := newTestServer(t)

	// 2 MiB body, well over the 1 MiB limit
	body := bytes.Repeat([]byte("x"), 2*1024*1024)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/cleanup", bytes.NewReader(body))
	req.ContentLength = int64(len(body))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 Request Entity Too Large for 2MiB body, got %d (body: %s)",
			rr.Code, rr.Body.String())
	}
	if payload := decodeBody[APIError](t, rr); payload.Code != "payload_too_large" {
		t.Errorf("expected payload_too_large, got %+v", payload)
	}
}

func TestBodySizeLimit_ChunkedBodyCutOff(t *testing.T) {
	srv := newTestServer(t)

	// Unannounced length: the MaxBytesReader trips inside the JSON decoder.
	payload := `{"days_to_keep": 7, "pad": "` + strings.Repeat("y", 2*1024*1024) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/cleanup", strings.NewReader(payload))
	req.ContentLength = -1

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized chunked body, got %d", rr.Code)
	}
}

func TestBodySizeLimit_GetRequestNotAffected(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 for GET /healthz, got %d", rr.Code)
	}
}

func TestBodySizeLimit_PutRouteEnforced(t *testing.T) {
	srv := newTestServer(t)

	body := bytes.Repeat([]byte("z"), 2*1024*1024)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/alert-rules/slow_api", bytes.NewReader(body))
	req.ContentLength = int64(len(body))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for 2MiB PUT body, got %d (body: %s)", rr.Code, rr.Body.String())
	}
}

func TestBodySizeLimit_ConfiguredLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBodyBytes = 64
	srv := newTestServerWithConfig(t, cfg)

	body := `{"days_to_keep": 7, "pad": "` + strings.Repeat("p", 128) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/cleanup", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 over a 64 byte limit, got %d (%s)", rr.Code, rr.Body.String())
	}
	if payload := decodeBody[APIError](t, rr); !strings.Contains(payload.Error, "64 bytes") {
		t.Fatalf("expected the limit in the message, got %+v", payload)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/cleanup", strings.NewReader(`{"days_to_keep": 7}`))
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected a small body to pass, got %d (%s)", rr.Code, rr.Body.String())
	}
}
