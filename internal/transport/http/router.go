package http

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// RouterOptions configure the public surface.
type RouterOptions struct {
	// WebhookSecret is matched against the Bot API secret token header.
	WebhookSecret string
	// AdminToken guards sweep and alert endpoints. Empty leaves them open.
	AdminToken string
	Replies    app.MessageSender
}

// NewRouter mounts health, webhook, sweep triggers and the alert feed.
func NewRouter(engine *app.Engine, opts RouterOptions) http.Handler {
	admin := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if opts.AdminToken != "" && r.Header.Get("Authorization") != "Bearer "+opts.AdminToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	feed := NewAlertFeed(engine.Alerts)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("POST /telegram/webhook", NewWebhookHandler(engine, opts.Replies, opts.WebhookSecret))
	mux.HandleFunc("POST /sweep", admin(func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.Sweep(r.Context())
		writeResult(w, report, err)
	}))
	mux.HandleFunc("POST /sweep/events", admin(func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.Scheduler.SweepEvents(r.Context())
		writeResult(w, report, err)
	}))
	mux.HandleFunc("POST /sweep/timeouts", admin(func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.Tracker.SweepTimeouts(r.Context())
		writeResult(w, report, err)
	}))
	mux.HandleFunc("POST /sweep/notifications", admin(func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.Notifier.Sweep(r.Context())
		writeResult(w, report, err)
	}))
	mux.HandleFunc("GET /alerts", admin(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		alerts, err := engine.Alerts.List(r.Context(), domain.AlertKind(r.URL.Query().Get("kind")), limit)
		writeResult(w, alerts, err)
	}))
	mux.HandleFunc("GET /ws/alerts", admin(feed.ServeWS))
	return mux
}

type resultPayload struct {
	Result interface{} `json:"result"`
	Error  string      `json:"error,omitempty"`
}

// writeResult reports partial sweep results together with the error that cut them short.
func writeResult(w http.ResponseWriter, result interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	payload := resultPayload{Result: result}
	if err != nil {
		log.Printf("request failed: %v", err)
		payload.Error = err.Error()
		w.WriteHeader(http.StatusInternalServerError)
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
