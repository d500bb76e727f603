// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package registryapi exposes the registry service over REST: party and
// site registration plus the replication endpoint replicas pull from.
package registryapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tessera-fed/tessera/internal/logging"
	"github.com/tessera-fed/tessera/internal/registry"
	"github.com/tessera-fed/tessera/pkg/middleware"
)

// Handler holds the registry service and provides HTTP handlers.
type Handler struct {
	svc    *registry.Service
	logger *slog.Logger
}

// New creates a new Handler instance.
func New(svc *registry.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes sets up all HTTP routes and returns the configured handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	v1 := "/api/v1"

	routes := middleware.NewRouteBuilder(mux).With(middleware.RequestLogger(h.logger))

	routes.HandleFunc("GET /health", h.Health)

	routes.HandleFunc("POST "+v1+"/parties", h.RegisterParty)
	routes.HandleFunc("DELETE "+v1+"/parties/{id}", h.DeregisterParty)
	routes.HandleFunc("POST "+v1+"/sites", h.RegisterSite)
	routes.HandleFunc("DELETE "+v1+"/sites/{id}", h.DeregisterSite)

	routes.HandleFunc("GET "+v1+"/updates", h.Updates)

	return mux
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterParty registers a new party.
func (h *Handler) RegisterParty(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	var desc registry.PartyDescription
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		logger.Warn("invalid party description", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body", CodeInvalidRequest)
		return
	}
	defer r.Body.Close()

	if err := h.svc.RegisterParty(&desc); err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.Info("party registered", "party", desc.ID)
	writeSuccessResponse(w, http.StatusCreated, &desc)
}

// DeregisterParty removes a party and tombstones its identifier.
func (h *Handler) DeregisterParty(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())
	id := r.PathValue("id")

	if err := h.svc.DeregisterParty(id); err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.Info("party deregistered", "party", id)
	writeSuccessResponse(w, http.StatusOK, map[string]string{"id": id})
}

// RegisterSite registers a new site.
func (h *Handler) RegisterSite(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	var desc registry.SiteDescription
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		logger.Warn("invalid site description", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body", CodeInvalidRequest)
		return
	}
	defer r.Body.Close()

	if err := h.svc.RegisterSite(&desc); err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.Info("site registered", "site", desc.ID)
	writeSuccessResponse(w, http.StatusCreated, &desc)
}

// DeregisterSite removes a site and tombstones its identifier.
func (h *Handler) DeregisterSite(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())
	id := r.PathValue("id")

	if err := h.svc.DeregisterSite(id); err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.Info("site deregistered", "site", id)
	writeSuccessResponse(w, http.StatusOK, map[string]string{"id": id})
}

// Updates serves a replication batch of registry events.
func (h *Handler) Updates(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid since parameter", CodeInvalidRequest)
			return
		}
		since = parsed
	}

	batch, err := registry.EncodeBatch(h.svc.Updates(since))
	if err != nil {
		logger.Error("encoding update batch", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal server error", CodeInternalError)
		return
	}
	writeSuccessResponse(w, http.StatusOK, batch)
}

// writeServiceError maps registry service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidDescription):
		logger.Warn("invalid description", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
	case errors.Is(err, registry.ErrUnknownParty):
		logger.Warn("unknown party reference", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeUnknownParty)
	case errors.Is(err, registry.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error(), CodeNotFound)
	case errors.Is(err, registry.ErrAlreadyExists):
		writeErrorResponse(w, http.StatusConflict, err.Error(), CodeAlreadyExists)
	case errors.Is(err, registry.ErrIDReused):
		writeErrorResponse(w, http.StatusConflict, err.Error(), CodeIDReused)
	default:
		logger.Error("registry operation failed", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal server error", CodeInternalError)
	}
}

func writeSuccessResponse[T any](w http.ResponseWriter, statusCode int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(SuccessResponse(data))
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse(message, code))
}
