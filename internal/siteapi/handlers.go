// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package siteapi exposes a site over REST: the asset store, job
// submission to the runner, and the policy replication endpoint when the
// site owns a namespace.
package siteapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tessera-fed/tessera/internal/asset"
	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/logging"
	"github.com/tessera-fed/tessera/internal/metrics"
	"github.com/tessera-fed/tessera/internal/policy"
	"github.com/tessera-fed/tessera/internal/runner"
	"github.com/tessera-fed/tessera/internal/store"
	"github.com/tessera-fed/tessera/internal/workflow"
	"github.com/tessera-fed/tessera/pkg/middleware"
)

// Handler holds a site's services and provides HTTP handlers.
type Handler struct {
	site    identifier.Identifier
	store   *store.Store
	runner  *runner.Runner
	policy  *policy.Server
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a new Handler instance. policyServer may be nil when the
// site owns no namespace; runner may be nil when the site has no runner.
func New(site identifier.Identifier, st *store.Store, run *runner.Runner,
	policyServer *policy.Server, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		site:    site,
		store:   st,
		runner:  run,
		policy:  policyServer,
		metrics: m,
		logger:  logger,
	}
}

// Routes sets up all HTTP routes and returns the configured handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	v1 := "/api/v1"

	routes := middleware.NewRouteBuilder(mux).With(middleware.RequestLogger(h.logger))

	routes.HandleFunc("GET /health", h.Health)
	routes.Handle("GET /metrics", h.metrics.Handler())

	routes.HandleFunc("GET "+v1+"/assets/{id}", h.RetrieveAsset)
	routes.HandleFunc("POST "+v1+"/assets", h.StoreAsset)

	routes.HandleFunc("POST "+v1+"/jobs", h.SubmitJob)
	routes.HandleFunc("GET "+v1+"/jobs/{id}", h.GetJob)
	routes.HandleFunc("DELETE "+v1+"/jobs/{id}", h.CancelJob)

	routes.HandleFunc("GET "+v1+"/policy/updates", h.PolicyUpdates)
	routes.HandleFunc("POST "+v1+"/policy/rules", h.AddRule)
	routes.HandleFunc("DELETE "+v1+"/policy/rules", h.RemoveRule)

	return mux
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, http.StatusOK, map[string]string{"status": "ok", "site": string(h.site)})
}

// RetrieveAsset serves one asset, gated by the policy evaluator. The
// requester is taken from the X-Tessera-Requester header.
func (h *Handler) RetrieveAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	requester, ok := h.requester(w, r)
	if !ok {
		return
	}
	id, err := identifier.Parse(r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	a, err := h.store.Get(ctx, id, requester)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAssetNotFound):
			h.metrics.AssetsServed.WithLabelValues("not_found").Inc()
			writeErrorResponse(w, http.StatusNotFound, err.Error(), CodeAssetNotFound)
		case errors.Is(err, store.ErrAccessDenied):
			h.metrics.AssetsServed.WithLabelValues("denied").Inc()
			logger.Warn("asset retrieval denied", "asset", id, "requester", requester)
			writeErrorResponse(w, http.StatusForbidden, err.Error(), CodeAccessDenied)
		default:
			logger.Error("asset retrieval failed", "asset", id, "error", err)
			writeErrorResponse(w, http.StatusInternalServerError, "internal server error", CodeInternalError)
		}
		return
	}

	wire, err := asset.Marshal(a)
	if err != nil {
		logger.Error("encoding asset", "asset", id, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal server error", CodeInternalError)
		return
	}
	h.metrics.AssetsServed.WithLabelValues("ok").Inc()
	writeSuccessResponse(w, http.StatusOK, json.RawMessage(wire))
}

// StoreAsset ingests a primary asset into the store.
func (h *Handler) StoreAsset(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "unreadable request body", CodeInvalidRequest)
		return
	}
	defer r.Body.Close()

	a, err := asset.Unmarshal(body)
	if err != nil {
		logger.Warn("invalid asset payload", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	if err := h.store.Put(a); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateAsset):
			writeErrorResponse(w, http.StatusConflict, err.Error(), CodeDuplicateAsset)
		case errors.Is(err, store.ErrProvenanceMismatch):
			logger.Warn("asset rejected", "asset", a.ID(), "error", err)
			writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		default:
			logger.Error("storing asset failed", "asset", a.ID(), "error", err)
			writeErrorResponse(w, http.StatusInternalServerError, "internal server error", CodeInternalError)
		}
		return
	}
	logger.Info("asset stored", "asset", a.ID())
	writeSuccessResponse(w, http.StatusCreated, map[string]identifier.Identifier{"id": a.ID()})
}

// SubmitJob accepts a job submission for the runner. Accepted jobs run
// asynchronously; the response carries the handle to poll.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.runner == nil {
		writeErrorResponse(w, http.StatusNotFound, "site has no runner", CodeInvalidRequest)
		return
	}

	var sub workflow.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		logger.Warn("invalid submission body", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body", CodeInvalidRequest)
		return
	}
	defer r.Body.Close()

	handle, err := h.runner.Submit(ctx, sub)
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrInvalidPlan), errors.Is(err, workflow.ErrInvalidWorkflow):
			logger.Warn("submission rejected", "error", err)
			writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidPlan)
		case errors.Is(err, runner.ErrIllegalJob):
			logger.Warn("submission not permitted", "error", err)
			writeErrorResponse(w, http.StatusForbidden, err.Error(), CodeIllegalJob)
		default:
			logger.Error("submission failed", "error", err)
			writeErrorResponse(w, http.StatusInternalServerError, "internal server error", CodeInternalError)
		}
		return
	}

	logger.Info("job accepted", "job", handle.ID)
	writeSuccessResponse(w, http.StatusAccepted, JobResponse{ID: handle.ID, Status: string(handle.Status())})
}

// GetJob reports the state of a submitted job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookupJob(w, r)
	if !ok {
		return
	}
	resp := JobResponse{ID: handle.ID, Status: string(handle.Status())}
	if err := handle.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeSuccessResponse(w, http.StatusOK, resp)
}

// CancelJob stops a running job. Results of completed steps remain stored.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookupJob(w, r)
	if !ok {
		return
	}
	handle.Cancel()
	writeSuccessResponse(w, http.StatusAccepted, JobResponse{ID: handle.ID, Status: string(handle.Status())})
}

// PolicyUpdates serves a replication batch of this site's policy rules.
func (h *Handler) PolicyUpdates(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	if h.policy == nil {
		writeErrorResponse(w, http.StatusNotFound, "site owns no policy namespace", CodeNoPolicy)
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid since parameter", CodeInvalidRequest)
			return
		}
		since = parsed
	}

	batch, err := policy.EncodeBatch(h.policy.Updates(since))
	if err != nil {
		logger.Error("encoding policy batch", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal server error", CodeInternalError)
		return
	}
	writeSuccessResponse(w, http.StatusOK, batch)
}

// AddRule ingests a rule into the site's canonical policy set.
func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	if h.policy == nil {
		writeErrorResponse(w, http.StatusNotFound, "site owns no policy namespace", CodeNoPolicy)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "unreadable request body", CodeInvalidRequest)
		return
	}
	defer r.Body.Close()

	rule, err := policy.UnmarshalRule(body)
	if err != nil {
		logger.Warn("invalid rule", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}
	if err := h.policy.Add(rule); err != nil {
		logger.Error("adding rule failed", "rule", rule.Key(), "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal server error", CodeInternalError)
		return
	}
	logger.Info("rule added", "rule", rule.Key())
	writeSuccessResponse(w, http.StatusCreated, map[string]string{"key": rule.Key()})
}

// RemoveRule retracts a rule by its key, passed as the key query parameter.
func (h *Handler) RemoveRule(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	if h.policy == nil {
		writeErrorResponse(w, http.StatusNotFound, "site owns no policy namespace", CodeNoPolicy)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing key parameter", CodeInvalidRequest)
		return
	}
	if err := h.policy.Remove(key); err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error(), CodeRuleNotFound)
		return
	}
	logger.Info("rule removed", "rule", key)
	writeSuccessResponse(w, http.StatusOK, map[string]string{"key": key})
}

func (h *Handler) requester(w http.ResponseWriter, r *http.Request) (identifier.Identifier, bool) {
	raw := r.Header.Get(RequesterHeader)
	if raw == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing "+RequesterHeader+" header", CodeMissingRequester)
		return "", false
	}
	id, err := identifier.Parse(raw)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return "", false
	}
	return id, true
}

func (h *Handler) lookupJob(w http.ResponseWriter, r *http.Request) (*runner.JobHandle, bool) {
	if h.runner == nil {
		writeErrorResponse(w, http.StatusNotFound, "site has no runner", CodeInvalidRequest)
		return nil, false
	}
	handle, err := h.runner.Job(r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error(), CodeJobNotFound)
		return nil, false
	}
	return handle, true
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
