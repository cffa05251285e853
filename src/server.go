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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"taskdispatch/src/engine"
	"taskdispatch/src/logging"
	"taskdispatch/src/realtime"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"start_time"`
	Uptime    string        `json:"uptime"`
	Engine    engine.Status `json:"engine"`
}

// APIServer holds dependencies for the HTTP and socket handlers
type APIServer struct {
	id        string
	startTime time.Time
	engine    *engine.Engine
	hub       *realtime.Hub
	upgrader  websocket.Upgrader
}

func NewAPIServer(id string, eng *engine.Engine, hub *realtime.Hub) *APIServer {
	return &APIServer{
		id:        id,
		startTime: time.Now(),
		engine:    eng,
		hub:       hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the router wrapped in the OTel middleware.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.statusHandler)
	r.Get("/ws", s.socketHandler)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.createTaskHandler)
		r.Get("/", s.listTasksHandler)
		r.Get("/{taskId}", s.getTaskHandler)
		r.Post("/{taskId}/accept", s.acceptTaskHandler)
		r.Post("/{taskId}/start", s.startTaskHandler)
		r.Post("/{taskId}/complete", s.markCompleteHandler)
		r.Post("/{taskId}/confirm", s.confirmCompleteHandler)
		r.Post("/{taskId}/cancel", s.cancelTaskHandler)
		r.Post("/{taskId}/realert", s.reAlertHandler)
		r.Post("/{taskId}/budget", s.increaseBudgetHandler)
	})

	r.Route("/workers/{workerId}", func(r chi.Router) {
		r.Post("/online", s.workerOnlineHandler)
		r.Post("/offline", s.workerOfflineHandler)
		r.Post("/location", s.workerLocationHandler)
		r.Get("/nearby", s.nearbyTasksHandler)
	})

	return otelhttp.NewHandler(r, "dispatch-api-server")
}

// StartAPIServer serves handler on port until ctx is done, then shuts down
// gracefully.
func StartAPIServer(ctx context.Context, port string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing server...", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		ID:        s.id,
		StartTime: s.startTime,
		Uptime:    time.Since(s.startTime).Truncate(time.Second).String(),
		Engine:    st,
	})
}
