// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"taskdispatch/src/logging"
	"taskdispatch/src/model"
)

type createTaskRequest struct {
	PosterID    string          `json:"posterId"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Location    *model.Location `json:"location"`
	Budget      decimal.Decimal `json:"budget"`
}

type workerRequest struct {
	WorkerID string `json:"workerId"`
}

type posterRequest struct {
	PosterID string `json:"posterId"`
}

type cancelRequest struct {
	ActorID string          `json:"actorId"`
	Role    model.ActorRole `json:"role"`
	Reason  string          `json:"reason"`
}

type budgetRequest struct {
	PosterID string          `json:"posterId"`
	Budget   decimal.Decimal `json:"budget"`
}

type presenceRequest struct {
	Location *model.Location `json:"location"`
	RadiusKm float64         `json:"radiusKm"`
}

type errorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Task    *model.Task `json:"task,omitempty"`
}

func (s *APIServer) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.engine.CreateTask(r.Context(), req.PosterID, model.TaskDetails{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Location:    req.Location,
		Budget:      req.Budget,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	q := model.TaskQuery{
		PosterID: r.URL.Query().Get("posterId"),
		WorkerID: r.URL.Query().Get("workerId"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			q.Statuses = append(q.Statuses, model.TaskStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", model.ErrInvalidInput))
			return
		}
		q.Limit = n
	}

	tasks, err := s.engine.ListTasks(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *APIServer) acceptTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.engine.AcceptTask(r.Context(), chi.URLParam(r, "taskId"), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) startTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.engine.StartTask(r.Context(), chi.URLParam(r, "taskId"), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) markCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.engine.MarkComplete(r.Context(), chi.URLParam(r, "taskId"), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) confirmCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req posterRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.engine.ConfirmComplete(r.Context(), chi.URLParam(r, "taskId"), req.PosterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.engine.CancelTask(r.Context(), chi.URLParam(r, "taskId"), req.ActorID, req.Role, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) reAlertHandler(w http.ResponseWriter, r *http.Request) {
	var req posterRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.RequestReAlert(r.Context(), chi.URLParam(r, "taskId"), req.PosterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) increaseBudgetHandler(w http.ResponseWriter, r *http.Request) {
	var req budgetRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.IncreaseBudget(r.Context(), chi.URLParam(r, "taskId"), req.PosterID, req.Budget)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) workerOnlineHandler(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.engine.SetWorkerOnline(r.Context(), chi.URLParam(r, "workerId"), req.Location, req.RadiusKm, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *APIServer) workerOfflineHandler(w http.ResponseWriter, r *http.Request) {
	removed := s.engine.SetWorkerOffline(r.Context(), chi.URLParam(r, "workerId"))
	writeJSON(w, http.StatusOK, map[string]bool{"wasOnline": removed})
}

func (s *APIServer) workerLocationHandler(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Location == nil {
		writeError(w, model.ErrLocationRequired)
		return
	}
	p, err := s.engine.UpdateWorkerLocation(r.Context(), chi.URLParam(r, "workerId"), *req.Location)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *APIServer) nearbyTasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.NearbyTasks(r.Context(), chi.URLParam(r, "workerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// decode reads a JSON body into v. It writes a 400 and returns false on
// malformed input.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", model.ErrInvalidInput, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	resp := errorResponse{Error: model.ErrorCode(err), Message: err.Error()}

	var conflict *model.ConflictError
	if errors.As(err, &conflict) {
		resp.Task = &conflict.Task
	}
	if status == http.StatusInternalServerError {
		logging.Log(fmt.Sprintf("API error: %v", err), slog.LevelError)
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrLocationRequired):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrSelfAcceptForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrAlreadyAccepted),
		errors.Is(err, model.ErrActiveTaskExists),
		errors.Is(err, model.ErrAlreadyTerminal),
		errors.Is(err, model.ErrAlreadyMarked),
		errors.Is(err, model.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrCancellationLimitReached),
		errors.Is(err, model.ErrWorkerNotDone),
		errors.Is(err, model.ErrWorkerOffline),
		errors.Is(err, model.ErrBudgetNotIncreased):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
