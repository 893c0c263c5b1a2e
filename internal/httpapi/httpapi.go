// Package httpapi exposes the relay's manual-trigger entry point and
// statistics entry point over plain net/http, plus a liveness probe.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"

	"github.com/chris-alexander-pop/outbox-relay/internal/relay"
)

// triggerResponse is the JSON body returned by POST /trigger.
type triggerResponse struct {
	Success       bool  `json:"success"`
	MessagesAdded int   `json:"messages_added"`
	TimestampUnix int64 `json:"timestamp_unix"`
}

// statsResponse is the JSON body returned by GET /statz.
type statsResponse struct {
	InFlightCount      int   `json:"in_flight_count"`
	KeyLockCount       int   `json:"key_lock_count"`
	ManualTriggerCount int64 `json:"manual_trigger_count"`
	NowUnix            int64 `json:"now_unix"`
}

// NewHandler builds the relay's HTTP surface: POST /trigger (manual
// trigger), GET /statz (statistics snapshot), GET /healthz (liveness).
func NewHandler(svc *relay.Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		success, added, ts := svc.TriggerOnce(r.Context())
		if !success {
			logger.L().ErrorContext(r.Context(), "manual trigger poll failed")
		}

		w.Header().Set("Content-Type", "application/json")
		if !success {
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(triggerResponse{
			Success:       success,
			MessagesAdded: added,
			TimestampUnix: ts.Unix(),
		})
	})

	mux.HandleFunc("/statz", func(w http.ResponseWriter, r *http.Request) {
		s := svc.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsResponse{
			InFlightCount:      s.InFlightCount,
			KeyLockCount:       s.KeyLockCount,
			ManualTriggerCount: s.ManualTriggerCount,
			NowUnix:            s.Now.Unix(),
		})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return requestIDMiddleware(recoverMiddleware(mux))
}
