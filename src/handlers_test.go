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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"

	"taskdispatch/src/alert"
	"taskdispatch/src/cancellation"
	"taskdispatch/src/engine"
	"taskdispatch/src/geo"
	"taskdispatch/src/model"
	"taskdispatch/src/presence"
	"taskdispatch/src/push"
	"taskdispatch/src/realtime"
	"taskdispatch/src/store"
)

type testServer struct {
	*httptest.Server
	registry *presence.Registry
	alerts   *alert.Dispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	hub := realtime.NewHub()
	registry := presence.NewRegistry(5)
	alerts := alert.NewDispatcher(st, geo.NewMatcher(registry), push.LogOnly{}, hub)
	eng := engine.New(engine.Deps{
		Store:         st,
		Presence:      registry,
		Cancellations: cancellation.NewPolicy(st, 2, nil),
		Alerts:        alerts,
		Outbox:        hub,
	})
	srv := httptest.NewServer(NewAPIServer("test", eng, hub).Routes())
	t.Cleanup(func() {
		srv.Close()
		alerts.Wait()
		hub.Close()
	})
	return &testServer{Server: srv, registry: registry, alerts: alerts}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NilError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	assert.NilError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()
	if out != nil {
		assert.NilError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

var bangalore = map[string]any{"lat": 12.97, "lng": 77.59, "area": "MG Road", "city": "Bengaluru"}

func (ts *testServer) createTask(t *testing.T, poster string) model.Task {
	t.Helper()
	var task model.Task
	code := ts.do(t, http.MethodPost, "/tasks", map[string]any{
		"posterId": poster,
		"title":    "Assemble wardrobe",
		"location": bangalore,
		"budget":   "500",
	}, &task)
	assert.Equal(t, code, http.StatusCreated)
	return task
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	var p presence.Presence
	code := ts.do(t, http.MethodPost, "/workers/w1/online", map[string]any{
		"location": map[string]any{"lat": 12.975, "lng": 77.595},
	}, &p)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, p.RadiusKm, 5.0)

	task := ts.createTask(t, "p1")
	assert.Equal(t, task.Status, model.TaskSearching)

	var nearby []model.Task
	code = ts.do(t, http.MethodGet, "/workers/w1/nearby", nil, &nearby)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, len(nearby), 1)

	steps := []struct {
		path string
		body map[string]any
		want model.TaskStatus
	}{
		{"/accept", map[string]any{"workerId": "w1"}, model.TaskAccepted},
		{"/start", map[string]any{"workerId": "w1"}, model.TaskInProgress},
		{"/complete", map[string]any{"workerId": "w1"}, model.TaskInProgress},
		{"/confirm", map[string]any{"posterId": "p1"}, model.TaskCompleted},
	}
	for _, step := range steps {
		var got model.Task
		code := ts.do(t, http.MethodPost, "/tasks/"+task.ID+step.path, step.body, &got)
		assert.Equal(t, code, http.StatusOK, step.path)
		assert.Equal(t, got.Status, step.want, step.path)
	}

	var status StatusResponse
	code = ts.do(t, http.MethodGet, "/status", nil, &status)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, status.Engine.Tasks.ByStatus[model.TaskCompleted], 1)
	assert.Equal(t, status.Engine.OnlineWorkers, 1)
}

func TestAcceptConflictCarriesTask(t *testing.T) {
	ts := newTestServer(t)
	for _, w := range []string{"w1", "w2"} {
		code := ts.do(t, http.MethodPost, "/workers/"+w+"/online", map[string]any{"location": bangalore}, nil)
		assert.Equal(t, code, http.StatusOK)
	}
	task := ts.createTask(t, "p1")

	code := ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/accept", map[string]any{"workerId": "w1"}, nil)
	assert.Equal(t, code, http.StatusOK)

	var resp errorResponse
	code = ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/accept", map[string]any{"workerId": "w2"}, &resp)
	assert.Equal(t, code, http.StatusConflict)
	assert.Equal(t, resp.Error, "AlreadyAccepted")
	assert.Assert(t, resp.Task != nil)
	assert.Equal(t, resp.Task.WorkerID, "w1")
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, "p1")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing task", http.MethodGet, "/tasks/nope", nil, http.StatusNotFound, "TaskNotFound"},
		{"no location", http.MethodPost, "/tasks", map[string]any{"posterId": "p1", "title": "x", "budget": "10"}, http.StatusBadRequest, "LocationRequired"},
		{"self accept", http.MethodPost, "/tasks/" + task.ID + "/accept", map[string]any{"workerId": "p1"}, http.StatusForbidden, "SelfAcceptForbidden"},
		{"offline accept", http.MethodPost, "/tasks/" + task.ID + "/accept", map[string]any{"workerId": "w9"}, http.StatusUnprocessableEntity, "WorkerOffline"},
		{"confirm early", http.MethodPost, "/tasks/" + task.ID + "/confirm", map[string]any{"posterId": "p1"}, http.StatusUnprocessableEntity, "WorkerNotDone"},
		{"lower budget", http.MethodPost, "/tasks/" + task.ID + "/budget", map[string]any{"posterId": "p1", "budget": "100"}, http.StatusUnprocessableEntity, "BudgetNotIncreased"},
		{"bad status filter", http.MethodGet, "/tasks?status=done", nil, http.StatusBadRequest, "InvalidInput"},
		{"offline location", http.MethodPost, "/workers/w9/location", map[string]any{"location": bangalore}, http.StatusUnprocessableEntity, "WorkerOffline"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp errorResponse
			code := ts.do(t, tc.method, tc.path, tc.body, &resp)
			assert.Equal(t, code, tc.status)
			assert.Equal(t, resp.Error, tc.code)
		})
	}

	var cancelled model.Task
	code := ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", map[string]any{"actorId": "p1", "role": "poster"}, &cancelled)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, cancelled.Status, model.TaskCancelledByPoster)

	var resp errorResponse
	code = ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", map[string]any{"actorId": "p1", "role": "poster"}, &resp)
	assert.Equal(t, code, http.StatusConflict)
	assert.Equal(t, resp.Error, "AlreadyTerminal")

	resp = errorResponse{}
	code = ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/accept", map[string]any{"workerId": "w9"}, &resp)
	assert.Equal(t, code, http.StatusConflict)
	assert.Equal(t, resp.Error, "AlreadyAccepted")
	assert.Assert(t, resp.Task != nil)
	assert.Equal(t, resp.Task.Status, model.TaskCancelledByPoster)
}

func TestReAlertEndpoint(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, "p1")

	var res engine.ReAlertResult
	code := ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/realert", map[string]any{"posterId": "p1"}, &res)
	assert.Equal(t, code, http.StatusOK)
	assert.Assert(t, !res.ReAlerted)
}

func TestListTasksByPoster(t *testing.T) {
	ts := newTestServer(t)
	ts.createTask(t, "p1")
	ts.createTask(t, "p1")
	ts.createTask(t, "p2")

	var tasks []model.Task
	code := ts.do(t, http.MethodGet, "/tasks?posterId=p1&status=searching", nil, &tasks)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, len(tasks), 2)
}

func TestSocketPresenceAndEvents(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?userId=w1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NilError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	assert.NilError(t, conn.WriteJSON(map[string]any{
		"type":     msgGoOnline,
		"location": map[string]any{"lat": 12.975, "lng": 77.595},
	}))
	var reply socketReply
	assert.NilError(t, conn.ReadJSON(&reply))
	assert.Equal(t, reply.Type, msgGoOnline)
	assert.Assert(t, reply.OK)
	assert.Assert(t, ts.registry.IsOnline("w1"))

	task := ts.createTask(t, "p1")
	var ev realtime.Event
	assert.NilError(t, conn.ReadJSON(&ev))
	assert.Equal(t, ev.Name, realtime.EventNewTask)
	assert.Equal(t, ev.TaskID, task.ID)

	assert.NilError(t, conn.WriteJSON(map[string]any{"type": msgUpdateLocation}))
	reply = socketReply{}
	assert.NilError(t, conn.ReadJSON(&reply))
	assert.Equal(t, reply.Error, "LocationRequired")

	assert.NilError(t, conn.Close())
	deadline := time.Now().Add(2 * time.Second)
	for ts.registry.IsOnline("w1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Assert(t, !ts.registry.IsOnline("w1"), "disconnect takes the worker offline")
}

func TestSocketRequiresUser(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/ws")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestHTTPStatusDefaultsToInternal(t *testing.T) {
	assert.Equal(t, httpStatus(context.DeadlineExceeded), http.StatusInternalServerError)
}
