package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"kpialert/internal/domain"
	"kpialert/internal/evaluate"
	"kpialert/internal/lifecycle"
	"kpialert/internal/threshold"
)

// actionRequest carries the acting user and free-form comment of one transition.
// Params: actor id, optional target project manager, comment, actions taken,
// and optional priority upgrade.
// Returns: decoded body of the lifecycle endpoints.
type actionRequest struct {
	ActorID          string          `json:"actor_id"`
	ProjectManagerID string          `json:"project_manager_id,omitempty"`
	Comment          string          `json:"comment,omitempty"`
	ActionsTaken     string          `json:"actions_taken,omitempty"`
	Priority         domain.Priority `json:"priority,omitempty"`
}

// errorResponse is the JSON error envelope.
// Params: error kind and message.
// Returns: body written on every non-2xx response.
type errorResponse struct {
	Kind  domain.ErrorKind `json:"kind"`
	Error string           `json:"error"`
}

// API exposes the analysis, lifecycle, and query surface over HTTP.
// Params: evaluator, lifecycle manager, threshold registry, and logger.
// Returns: handler mounted by the service builder.
type API struct {
	evaluator  *evaluate.Evaluator
	manager    *lifecycle.Manager
	thresholds *threshold.Store
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New builds the API and registers its routes.
// Params: evaluator, manager, threshold store, and logger.
// Returns: ready handler.
func New(evaluator *evaluate.Evaluator, manager *lifecycle.Manager, thresholds *threshold.Store, logger *slog.Logger) *API {
	api := &API{
		evaluator:  evaluator,
		manager:    manager,
		thresholds: thresholds,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	api.routes()
	return api
}

// ServeHTTP dispatches one request through the route table.
// Params: response writer and request.
// Returns: handled response.
func (a *API) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	a.mux.ServeHTTP(writer, request)
}

// routes registers every endpoint on the internal mux.
// Params: none.
// Returns: mux populated in place.
func (a *API) routes() {
	a.mux.HandleFunc("POST /api/analyze", a.handleAnalyze)

	a.mux.HandleFunc("GET /api/alerts/active", a.handleActive)
	a.mux.HandleFunc("GET /api/alerts/resolved", a.handleResolved)
	a.mux.HandleFunc("GET /api/alerts/archived", a.handleArchived)
	a.mux.HandleFunc("GET /api/alerts/{id}", a.handleGet)
	a.mux.HandleFunc("GET /api/alerts/{id}/history", a.handleHistory)

	a.mux.HandleFunc("POST /api/alerts/{id}/delegate", a.handleDelegate)
	a.mux.HandleFunc("POST /api/alerts/{id}/send", a.handleSend)
	a.mux.HandleFunc("POST /api/alerts/{id}/progress", a.handleProgress)
	a.mux.HandleFunc("POST /api/alerts/{id}/acknowledge", a.handleAcknowledge)
	a.mux.HandleFunc("POST /api/alerts/{id}/resolve", a.handleResolve)
	a.mux.HandleFunc("POST /api/alerts/{id}/archive", a.handleArchive)
	a.mux.HandleFunc("POST /api/alerts/{id}/comment", a.handleComment)
	a.mux.HandleFunc("DELETE /api/alerts/{id}", a.handlePurge)

	a.mux.HandleFunc("GET /api/stats", a.handleStats)
	a.mux.HandleFunc("GET /api/thresholds", a.handleThresholdList)
	a.mux.HandleFunc("PUT /api/thresholds", a.handleThresholdPut)
}

// handleAnalyze triggers one synchronous analysis cycle.
// Params: request context drives the cycle.
// Returns: cycle report, or 409 while another cycle runs.
func (a *API) handleAnalyze(writer http.ResponseWriter, request *http.Request) {
	report, err := a.evaluator.AnalyzeAll(request.Context())
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, report)
}

func (a *API) handleGet(writer http.ResponseWriter, request *http.Request) {
	alert, err := a.manager.GetAlert(request.Context(), request.PathValue("id"))
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alert)
}

// handleActive lists the active alerts visible to the requesting user.
// Params: user query parameter identifies the requester.
// Returns: role-filtered alert list.
func (a *API) handleActive(writer http.ResponseWriter, request *http.Request) {
	userID := strings.TrimSpace(request.URL.Query().Get("user"))
	if userID == "" {
		a.writeError(writer, domain.ValidationError("user query parameter is required"))
		return
	}
	alerts, err := a.manager.GetActiveAlerts(request.Context(), userID)
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alerts)
}

func (a *API) handleResolved(writer http.ResponseWriter, request *http.Request) {
	alerts, err := a.manager.GetResolvedAlerts(request.Context())
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alerts)
}

func (a *API) handleArchived(writer http.ResponseWriter, request *http.Request) {
	alerts, err := a.manager.GetArchivedAlerts(request.Context())
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alerts)
}

func (a *API) handleHistory(writer http.ResponseWriter, request *http.Request) {
	history, err := a.manager.GetHistory(request.Context(), request.PathValue("id"))
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, history)
}

func (a *API) handleDelegate(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.decodeAction(writer, request)
	if !ok {
		return
	}
	alert, err := a.manager.Delegate(request.Context(), request.PathValue("id"), body.ActorID, body.ProjectManagerID, body.Comment, body.Priority)
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alert)
}

func (a *API) handleSend(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.decodeAction(writer, request)
	if !ok {
		return
	}
	alert, err := a.manager.SendToProjectManager(request.Context(), request.PathValue("id"), body.ActorID, body.Comment)
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alert)
}

func (a *API) handleProgress(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.decodeAction(writer, request)
	if !ok {
		return
	}
	alert, err := a.manager.MarkInProgress(request.Context(), request.PathValue("id"), body.ActorID, body.Comment)
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alert)
}

func (a *API) handleAcknowledge(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.decodeAction(writer, request)
	if !ok {
		return
	}
	alert, err := a.manager.Acknowledge(request.Context(), request.PathValue("id"), body.ActorID)
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alert)
}

func (a *API) handleResolve(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.decodeAction(writer, request)
	if !ok {
		return
	}
	alert, err := a.manager.Resolve(request.Context(), request.PathValue("id"), body.ActorID, body.Comment, body.ActionsTaken)
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alert)
}

func (a *API) handleArchive(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.decodeAction(writer, request)
	if !ok {
		return
	}
	alert, err := a.manager.Archive(request.Context(), request.PathValue("id"), body.ActorID)
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alert)
}

func (a *API) handleComment(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.decodeAction(writer, request)
	if !ok {
		return
	}
	alert, err := a.manager.AddComment(request.Context(), request.PathValue("id"), body.ActorID, body.Comment)
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, alert)
}

// handlePurge physically removes one archived alert.
// Params: actor id in the request body.
// Returns: 204 on success.
func (a *API) handlePurge(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.decodeAction(writer, request)
	if !ok {
		return
	}
	if err := a.manager.Purge(request.Context(), request.PathValue("id"), body.ActorID); err != nil {
		a.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStats(writer http.ResponseWriter, request *http.Request) {
	stats, err := a.manager.GetStatistics(request.Context())
	if err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, stats)
}

func (a *API) handleThresholdList(writer http.ResponseWriter, _ *http.Request) {
	a.writeJSON(writer, http.StatusOK, a.thresholds.List())
}

// handleThresholdPut stores one threshold band for the acting user.
// Params: band fields plus updated_by in the request body.
// Returns: stored band, or 400 on validation failure.
func (a *API) handleThresholdPut(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		threshold.Threshold
		UpdatedByID string `json:"updated_by_id"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		a.writeError(writer, domain.ValidationError("decode threshold: %v", err))
		return
	}
	if err := a.thresholds.Put(body.Threshold, body.UpdatedByID); err != nil {
		a.writeError(writer, err)
		return
	}
	a.writeJSON(writer, http.StatusOK, body.Threshold)
}

// decodeAction reads one lifecycle request body and requires the actor id.
// Params: request with JSON body.
// Returns: decoded body and false after writing the error response.
func (a *API) decodeAction(writer http.ResponseWriter, request *http.Request) (actionRequest, bool) {
	var body actionRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		a.writeError(writer, domain.ValidationError("decode request: %v", err))
		return actionRequest{}, false
	}
	if strings.TrimSpace(body.ActorID) == "" {
		a.writeError(writer, domain.ValidationError("actor_id is required"))
		return actionRequest{}, false
	}
	return body, true
}

// writeJSON renders one JSON response.
// Params: status code and payload.
// Returns: encoded body; encode failures are logged only.
func (a *API) writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		a.logger.Warn("response encode failed", "error", err.Error())
	}
}

// writeError maps one failure kind to its HTTP status.
// Params: error from the core layers.
// Returns: JSON error envelope with mapped status.
func (a *API) writeError(writer http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusBadGateway
	switch kind {
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindInvalidState:
		status = http.StatusConflict
	case domain.KindValidation:
		status = http.StatusBadRequest
	}
	a.writeJSON(writer, status, errorResponse{Kind: kind, Error: err.Error()})
}
