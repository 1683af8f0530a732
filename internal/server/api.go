package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/pecronhub/internal/core"
)

const defaultWriteTimeout = 60 * time.Second

// Router builds the HTTP surface: health, metrics, the REST API, and the
// websocket feed when hub is non-nil.
func Router(f *Fleet, hub *Hub, registry *prometheus.Registry, log logr.Logger) http.Handler {
	h := &handlers{fleet: f, log: log.WithName("http")}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	if registry != nil {
		r.Handle("/metrics", MetricsHandler(registry))
	}
	r.Handle(DashboardPath, DashboardHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/accounts", h.listAccounts)
		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Get("/devices", h.listDevices)
			r.Get("/devices/{device}", h.getDevice)
			r.Get("/devices/{device}/entities", h.listEntities)
			r.Put("/devices/{device}/properties/{code}", h.setProperty)
			r.Get("/notifications", h.listNotifications)
			r.Post("/refresh", h.refresh)
		})
		if hub != nil {
			r.Get("/ws", hub.ServeHTTP)
		}
	})
	return r
}

type handlers struct {
	fleet *Fleet
	log   logr.Logger
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(err, "request failed", "method", r.Method, "path", r.URL.Path)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	status := h.fleet.Health()
	code := http.StatusOK
	if status == core.HealthError {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"accounts": h.fleet.Accounts(),
	})
}

func (h *handlers) listAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.fleet.Accounts())
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.fleet.Devices(chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.fleet.Device(chi.URLParam(r, "account"), chi.URLParam(r, "device"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) listEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.fleet.Entities(chi.URLParam(r, "account"), chi.URLParam(r, "device"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

type setPropertyRequest struct {
	Value any `json:"value"`
}

func (h *handlers) setProperty(w http.ResponseWriter, r *http.Request) {
	var req setPropertyRequest
	body := http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Value == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value is required"})
		return
	}

	// The write outlives a dropped client so the overlay is always resolved.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), defaultWriteTimeout)
	defer cancel()

	d, err := h.fleet.SetProperty(ctx, chi.URLParam(r, "account"), chi.URLParam(r, "device"), chi.URLParam(r, "code"), req.Value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.fleet.Notifications(chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if err := h.fleet.Refresh(r.Context(), account); err != nil {
		h.writeError(w, r, err)
		return
	}
	devices, _ := h.fleet.Devices(account)
	writeJSON(w, http.StatusOK, devices)
}
