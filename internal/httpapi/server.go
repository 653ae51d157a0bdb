// Package httpapi exposes the network ingress, health and metrics endpoints
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/batcher"
	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Pipeline is what the HTTP surface needs from the agent
type Pipeline interface {
	Submit(ctx context.Context, rec domain.NormalizedLog) error
	Healthy() bool
	Stats() batcher.Stats
}

type handler struct {
	pipeline     Pipeline
	maxBodyBytes int64
}

// NewRouter builds the chi router for the agent
func NewRouter(p Pipeline, maxBodyBytes int64) http.Handler {
	h := &handler{pipeline: p, maxBodyBytes: maxBodyBytes}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Post("/v1/logs", h.ingest)
	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// NewServer wraps the router in an http.Server with sane timeouts
func NewServer(addr string, p Pipeline, maxBodyBytes int64) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(p, maxBodyBytes),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Dropped  int    `json:"dropped,omitempty"`
	Error    string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Buffered  int    `json:"buffered"`
	Ready     int    `json:"ready"`
	InFlight  int    `json:"in_flight"`
	Dropped   uint64 `json:"dropped"`
	Unhealthy bool   `json:"buffer_unhealthy"`
}

// ingest reads newline-delimited NormalizedLog records. Records before a
// failing one stay accepted; the response reports how many got in.
func (h *handler) ingest(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(body)

	var resp ingestResponse
	for {
		var rec domain.NormalizedLog
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			status := http.StatusBadRequest
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			resp.Error = err.Error()
			writeJSON(w, status, resp)
			return
		}

		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}
		if rec.Source == "" {
			rec.Source = "http:" + r.RemoteAddr
		}

		if err := h.pipeline.Submit(r.Context(), rec); err != nil {
			switch {
			case errors.Is(err, batcher.ErrDropped):
				resp.Dropped++
				continue
			case errors.Is(err, batcher.ErrClosed):
				resp.Error = "agent is shutting down"
				writeJSON(w, http.StatusServiceUnavailable, resp)
				return
			default:
				log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("Failed to submit record")
				resp.Error = err.Error()
				writeJSON(w, http.StatusInternalServerError, resp)
				return
			}
		}
		resp.Accepted++
	}

	if resp.Dropped > 0 {
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.pipeline.Stats()
	resp := healthResponse{
		Status:    "ok",
		Buffered:  st.Buffered,
		Ready:     st.Ready,
		InFlight:  st.InFlight,
		Dropped:   st.Dropped,
		Unhealthy: st.Unhealthy,
	}

	status := http.StatusOK
	if !h.pipeline.Healthy() {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
