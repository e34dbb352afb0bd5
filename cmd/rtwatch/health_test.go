package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/rickgao/rtlink/internal/config"
	"github.com/rickgao/rtlink/internal/connection"
	"github.com/rickgao/rtlink/internal/metrics"
)

type fakeStats []connection.Stats

func (f fakeStats) Stats() []connection.Stats { return f }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthHandler(t *testing.T) {
	metrics.Register()

	open := connection.Stats{ID: uuid.New(), Endpoint: "ws://a/ws", State: connection.StateOpen}
	retrying := connection.Stats{ID: uuid.New(), Endpoint: "ws://b/ws", State: connection.StateReconnecting, Retries: 2}
	suspended := connection.Stats{ID: uuid.New(), Endpoint: "ws://c/ws", State: connection.StateSuspended}

	tests := []struct {
		name       string
		stats      fakeStats
		db         pinger
		wantStatus string
		wantCode   int
	}{
		{"all open", fakeStats{open}, nil, "healthy", http.StatusOK},
		{"reconnecting", fakeStats{open, retrying}, nil, "degraded", http.StatusOK},
		{"suspended", fakeStats{retrying, suspended}, nil, "unhealthy", http.StatusServiceUnavailable},
		{"archive up", fakeStats{open}, fakePinger{}, "healthy", http.StatusOK},
		{"archive down", fakeStats{open}, fakePinger{err: errors.New("refused")}, "unhealthy", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHealthHandler(tt.stats, tt.db, "/metrics")

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}

			var body struct {
				Status     string                     `json:"status"`
				Components map[string]json.RawMessage `json:"components"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}

			var conns []connHealth
			if err := json.Unmarshal(body.Components["connections"], &conns); err != nil {
				t.Fatalf("decode connections: %v", err)
			}
			if len(conns) != len(tt.stats) {
				t.Errorf("connections = %d, want %d", len(conns), len(tt.stats))
			}
			if _, ok := body.Components["archive"]; ok != (tt.db != nil) {
				t.Errorf("archive component present = %v, want %v", ok, tt.db != nil)
			}
		})
	}
}

func TestHealthHandler_ServesMetrics(t *testing.T) {
	metrics.Register()
	metrics.RecordFrame()

	h := newHealthHandler(fakeStats{}, nil, "/prom")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prom", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty metrics body")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := &config.Config{}
	cfg.Backend.URL = "https://file.example.com"
	cfg.Auth.Token = "from-file"
	cfg.Log.Level = "info"

	f := flagValues{
		backendURL: "https://flag.example.com",
		token:      "ignored",
		logLevel:   "debug",
		archive:    true,
	}
	applyFlags(cfg, f, map[string]bool{"backend-url": true, "log-level": true, "archive": true})

	if cfg.Backend.URL != "https://flag.example.com" {
		t.Errorf("Backend.URL = %q, want flag value", cfg.Backend.URL)
	}
	if cfg.Auth.Token != "from-file" {
		t.Errorf("Auth.Token = %q, unchanged flag must not override", cfg.Auth.Token)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if !cfg.Archive.Enabled {
		t.Error("Archive.Enabled = false, want true")
	}
}

func TestConnectionConfig(t *testing.T) {
	jitter := 0.0
	cc := config.ConnectionConfig{
		ReconnectBaseDelay: 1,
		ReconnectMaxDelay:  2,
		ReconnectJitter:    &jitter,
		BufferSize:         7,
	}

	cfg := connectionConfig(cc)
	if cfg.ReconnectJitter != 0 {
		t.Errorf("ReconnectJitter = %v, want 0", cfg.ReconnectJitter)
	}
	if cfg.Session.BufferSize != 7 {
		t.Errorf("Session.BufferSize = %d, want 7", cfg.Session.BufferSize)
	}
	if ua := cfg.Session.Header.Get("User-Agent"); ua == "" {
		t.Error("User-Agent header not set")
	}
}
