package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/rtlink/internal/connection"
	"github.com/rickgao/rtlink/internal/metrics"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type statsSource interface {
	Stats() []connection.Stats
}

type connHealth struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	State        string    `json:"state"`
	Retries      int       `json:"retries"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	Frames       int64     `json:"frames_received"`
	DecodeErrors int64     `json:"decode_errors"`
	SeqGaps      int64     `json:"seq_gaps"`
}

// newHealthHandler serves /health and the Prometheus handler at metricsPath.
// db may be nil when archiving is disabled.
func newHealthHandler(conns statsSource, db pinger, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		stats := conns.Stats()
		list := make([]connHealth, 0, len(stats))
		for _, st := range stats {
			list = append(list, connHealth{
				ID:           st.ID.String(),
				Endpoint:     st.Endpoint,
				State:        st.State.String(),
				Retries:      st.Retries,
				LastActivity: st.LastActivity,
				Frames:       st.FramesReceived,
				DecodeErrors: st.DecodeErrors,
				SeqGaps:      st.SeqGaps,
			})
			health.Status = worse(health.Status, connStatus(st.State))
		}
		health.Components["connections"] = list

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["archive"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["archive"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.Handle(metricsPath, metrics.Handler())

	return mux
}

func connStatus(s connection.State) string {
	switch s {
	case connection.StateOpen:
		return "healthy"
	case connection.StateSuspended, connection.StateClosed:
		return "unhealthy"
	default:
		return "degraded"
	}
}

var statusRank = map[string]int{"healthy": 0, "degraded": 1, "unhealthy": 2}

func worse(a, b string) string {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}
