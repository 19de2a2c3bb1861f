package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banchen21/esp32c3-oled/internal/lifecycle"
	"github.com/banchen21/esp32c3-oled/internal/model"
)

type statusResponse struct {
	BootID           string        `json:"boot_id"`
	State            string        `json:"state"`
	Mode             string        `json:"mode"`
	ClientID         string        `json:"client_id"`
	ProductID        string        `json:"product_id"`
	Topic            string        `json:"topic"`
	SamplesPublished uint64        `json:"samples_published"`
	LastSample       *model.Sample `json:"last_sample,omitempty"`
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/acks", a.handleRecentAcks)
		r.Get("/events", a.handleRecentEvents)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := a.lifecycle.State()
	if state != lifecycle.Ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		BootID:    a.bootID,
		State:     a.lifecycle.State().String(),
		Mode:      a.cfg.Mode,
		ClientID:  a.cfg.Identity.ClientID,
		ProductID: a.cfg.Identity.ProductID,
		Topic:     a.postTopic,
	}
	if loop := a.loop.Load(); loop != nil {
		sample, n := loop.LastSample()
		resp.SamplesPublished = n
		if n > 0 {
			resp.LastSample = &sample
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRecentAcks(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	acks, err := a.journal.RecentAcks(ctx, queryLimit(r))
	if err != nil {
		a.logger.Error("failed to load recent acks", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load acks"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acks": acks})
}

func (a *App) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	events, err := a.journal.RecentEvents(ctx, queryLimit(r))
	if err != nil {
		a.logger.Error("failed to load recent events", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load events"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func queryLimit(r *http.Request) int {
	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 250 {
			limit = parsed
		}
	}
	return limit
}
