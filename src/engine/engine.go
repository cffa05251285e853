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

// Package engine is the dispatch core. It ties the state machine, presence
// registry, cancellation ledger and alert dispatcher to the store, and emits
// an event to the outbox after every successful transition.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"taskdispatch/src/alert"
	"taskdispatch/src/cancellation"
	"taskdispatch/src/geo"
	"taskdispatch/src/lifecycle"
	"taskdispatch/src/logging"
	"taskdispatch/src/model"
	"taskdispatch/src/presence"
	"taskdispatch/src/realtime"
	"taskdispatch/src/store"
)

// Deps are the collaborators the engine is built from. All are required
// except Clock and NewID.
type Deps struct {
	Store         store.Store
	Presence      *presence.Registry
	Cancellations *cancellation.Policy
	Alerts        *alert.Dispatcher
	Outbox        realtime.Outbox
	Clock         func() time.Time
	NewID         func() string
}

type Engine struct {
	store         store.Store
	presence      *presence.Registry
	cancellations *cancellation.Policy
	alerts        *alert.Dispatcher
	outbox        realtime.Outbox
	clock         func() time.Time
	newID         func() string
}

func New(d Deps) *Engine {
	e := &Engine{
		store:         d.Store,
		presence:      d.Presence,
		cancellations: d.Cancellations,
		alerts:        d.Alerts,
		outbox:        d.Outbox,
		clock:         d.Clock,
		newID:         d.NewID,
	}
	if e.outbox == nil {
		e.outbox = realtime.Discard{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// ReAlertResult is returned by operations that may broadcast a task again.
type ReAlertResult struct {
	Task      model.Task `json:"task"`
	ReAlerted bool       `json:"reAlerted"`
}

// Status is the engine-wide snapshot served on /status.
type Status struct {
	OnlineWorkers   int         `json:"online_workers"`
	Tasks           store.Stats `json:"tasks"`
	CancelLimit     int         `json:"cancel_limit"`
	ReAlertCooldown string      `json:"realert_cooldown"`
}

// CreateTask stores a SEARCHING task and broadcasts it to nearby workers. A
// failed broadcast is logged; the task is still created.
func (e *Engine) CreateTask(ctx context.Context, posterID string, details model.TaskDetails) (task model.Task, err error) {
	ctx, span := logging.StartSpan(ctx, "engine.CreateTask", attribute.String("poster.id", posterID))
	defer func() { logging.EndSpan(span, err) }()

	task, err = lifecycle.NewTask(e.newID(), posterID, details, e.clock())
	if err != nil {
		return model.Task{}, err
	}
	if err = e.store.CreateTask(ctx, task); err != nil {
		return model.Task{}, err
	}
	logging.Count(ctx, "dispatch_tasks_created", 1)

	res, dispatchErr := e.alerts.Dispatch(ctx, task, alert.ReasonCreated)
	if dispatchErr != nil {
		logging.Log(fmt.Sprintf("engine: initial dispatch of task %s failed: %v", task.ID, dispatchErr), slog.LevelError)
		return task, nil
	}
	return res.Task, nil
}

func (e *Engine) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	return e.store.FindTaskByID(ctx, taskID)
}

func (e *Engine) ListTasks(ctx context.Context, q model.TaskQuery) ([]model.Task, error) {
	for _, s := range q.Statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, s)
		}
	}
	return e.store.ListTasks(ctx, q)
}

func (e *Engine) StartTask(ctx context.Context, taskID, workerID string) (task model.Task, err error) {
	ctx, span := logging.StartSpan(ctx, "engine.StartTask", attribute.String("task.id", taskID))
	defer func() { logging.EndSpan(span, err) }()

	task, err = e.transition(ctx, taskID, func(t model.Task, now time.Time) (lifecycle.Plan, error) {
		return lifecycle.Start(t, workerID, now)
	})
	if err != nil {
		return task, err
	}
	e.emit(ctx, realtime.EventTaskUpdated, task)
	return task, nil
}

// MarkComplete records the worker's side of the completion handshake.
func (e *Engine) MarkComplete(ctx context.Context, taskID, workerID string) (task model.Task, err error) {
	ctx, span := logging.StartSpan(ctx, "engine.MarkComplete", attribute.String("task.id", taskID))
	defer func() { logging.EndSpan(span, err) }()

	task, err = e.transition(ctx, taskID, func(t model.Task, now time.Time) (lifecycle.Plan, error) {
		return lifecycle.MarkComplete(t, workerID, now)
	})
	if err != nil {
		return task, err
	}
	e.emit(ctx, realtime.EventTaskUpdated, task)
	return task, nil
}

func (e *Engine) ConfirmComplete(ctx context.Context, taskID, posterID string) (task model.Task, err error) {
	ctx, span := logging.StartSpan(ctx, "engine.ConfirmComplete", attribute.String("task.id", taskID))
	defer func() { logging.EndSpan(span, err) }()

	task, err = e.transition(ctx, taskID, func(t model.Task, now time.Time) (lifecycle.Plan, error) {
		return lifecycle.ConfirmComplete(t, posterID, now)
	})
	if err != nil {
		return task, err
	}
	logging.Count(ctx, "dispatch_tasks_completed", 1)
	e.emit(ctx, realtime.EventTaskCompleted, task)
	return task, nil
}

// CancelTask moves a live task to the CANCELLED_* status for role. A worker
// cancellation also counts against the worker's daily limit.
func (e *Engine) CancelTask(ctx context.Context, taskID, actorID string, role model.ActorRole, reason string) (task model.Task, err error) {
	ctx, span := logging.StartSpan(ctx, "engine.CancelTask",
		attribute.String("task.id", taskID), attribute.String("role", string(role)))
	defer func() { logging.EndSpan(span, err) }()

	task, err = e.transition(ctx, taskID, func(t model.Task, now time.Time) (lifecycle.Plan, error) {
		return lifecycle.Cancel(t, actorID, role, reason, now)
	})
	if err != nil {
		return task, err
	}

	if role == model.RoleWorker {
		n, ledgerErr := e.cancellations.RecordCancellation(ctx, actorID)
		if ledgerErr != nil {
			logging.Log(fmt.Sprintf("engine: ledger write for worker %s failed: %v", actorID, ledgerErr), slog.LevelError)
		} else if n >= e.cancellations.Limit() {
			logging.Log(fmt.Sprintf("engine: worker %s reached %d cancellations today", actorID, n), slog.LevelWarn)
		}
	}
	logging.Count(ctx, "dispatch_tasks_cancelled", 1, attribute.String("role", string(role)))
	e.emit(ctx, realtime.EventTaskCancelled, task)
	return task, nil
}

// RequestReAlert broadcasts a SEARCHING task again if the cooldown allows.
// A refusal is reported through ReAlerted, not as an error.
func (e *Engine) RequestReAlert(ctx context.Context, taskID, posterID string) (res ReAlertResult, err error) {
	ctx, span := logging.StartSpan(ctx, "engine.RequestReAlert", attribute.String("task.id", taskID))
	defer func() { logging.EndSpan(span, err) }()

	task, err := e.store.FindTaskByID(ctx, taskID)
	if err != nil {
		return ReAlertResult{}, err
	}
	if posterID == "" || posterID != task.PosterID {
		return ReAlertResult{Task: task}, fmt.Errorf("%w: only the poster can re-alert", model.ErrForbidden)
	}
	if task.Status != model.TaskSearching {
		return ReAlertResult{Task: task}, fmt.Errorf("%w: task %s is %s", model.ErrInvalidTransition, task.ID, task.Status)
	}
	return e.reAlert(ctx, task)
}

// IncreaseBudget raises the budget of a SEARCHING task and re-alerts it.
func (e *Engine) IncreaseBudget(ctx context.Context, taskID, posterID string, budget decimal.Decimal) (res ReAlertResult, err error) {
	ctx, span := logging.StartSpan(ctx, "engine.IncreaseBudget", attribute.String("task.id", taskID))
	defer func() { logging.EndSpan(span, err) }()

	task, err := e.transition(ctx, taskID, func(t model.Task, now time.Time) (lifecycle.Plan, error) {
		return lifecycle.IncreaseBudget(t, posterID, budget, now)
	})
	if err != nil {
		return ReAlertResult{Task: task}, err
	}
	e.emit(ctx, realtime.EventTaskUpdated, task)
	return e.reAlert(ctx, task)
}

func (e *Engine) reAlert(ctx context.Context, task model.Task) (ReAlertResult, error) {
	res, err := e.alerts.Dispatch(ctx, task, alert.ReasonReAlerted)
	if err != nil {
		return ReAlertResult{Task: task}, err
	}
	if !res.Dispatched {
		logging.Count(ctx, "dispatch_realerts_refused", 1)
	}
	return ReAlertResult{Task: res.Task, ReAlerted: res.Dispatched}, nil
}

// SetWorkerOnline registers the worker in the presence registry. handle
// identifies the socket that owns the slot; HTTP callers pass "".
func (e *Engine) SetWorkerOnline(ctx context.Context, workerID string, loc *model.Location, radiusKm float64, handle string) (presence.Presence, error) {
	p, err := e.presence.SetOnline(workerID, loc, radiusKm, handle)
	if err != nil {
		return p, err
	}
	logging.Count(ctx, "dispatch_presence_changes", 1, attribute.String("state", "online"))
	logging.Log(fmt.Sprintf("engine: worker %s online, radius %.1fkm", workerID, p.RadiusKm), slog.LevelDebug)
	return p, nil
}

func (e *Engine) SetWorkerOffline(ctx context.Context, workerID string) bool {
	ok := e.presence.SetOffline(workerID)
	if ok {
		logging.Count(ctx, "dispatch_presence_changes", 1, attribute.String("state", "offline"))
	}
	return ok
}

// DropConnection takes a worker offline when the socket that brought it
// online goes away.
func (e *Engine) DropConnection(ctx context.Context, workerID, handle string) bool {
	ok := e.presence.DropConnection(workerID, handle)
	if ok {
		logging.Count(ctx, "dispatch_presence_changes", 1, attribute.String("state", "offline"))
	}
	return ok
}

func (e *Engine) UpdateWorkerLocation(_ context.Context, workerID string, loc model.Location) (presence.Presence, error) {
	return e.presence.UpdateLocation(workerID, loc)
}

// NearbyTasks lists SEARCHING tasks inside an online worker's radius.
func (e *Engine) NearbyTasks(ctx context.Context, workerID string) ([]model.Task, error) {
	p, ok := e.presence.Get(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkerOffline, workerID)
	}
	open, err := e.store.ListTasks(ctx, model.TaskQuery{Statuses: []model.TaskStatus{model.TaskSearching}})
	if err != nil {
		return nil, err
	}
	return geo.Within(p.Location, p.RadiusKm, workerID, open), nil
}

func (e *Engine) Stats(ctx context.Context) (Status, error) {
	s, err := e.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		OnlineWorkers:   e.presence.Count(),
		Tasks:           s,
		CancelLimit:     e.cancellations.Limit(),
		ReAlertCooldown: e.alerts.Cooldown().String(),
	}, nil
}

type planFunc func(task model.Task, now time.Time) (lifecycle.Plan, error)

// transition loads the task, plans the move and applies it conditionally.
// When the conditional update matches nothing the task is reloaded and
// planned again so the caller sees the error for the state that won.
func (e *Engine) transition(ctx context.Context, taskID string, plan planFunc) (model.Task, error) {
	task, err := e.store.FindTaskByID(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	now := e.clock()
	p, err := plan(task, now)
	if err != nil {
		return task, err
	}

	matched, err := e.store.UpdateTask(ctx, p.Filter, p.Update)
	if err != nil {
		return task, err
	}
	if matched == 0 {
		current, err := e.store.FindTaskByID(ctx, taskID)
		if err != nil {
			return task, err
		}
		if _, err := plan(current, now); err != nil {
			return current, err
		}
		return current, fmt.Errorf("%w: task %s", model.ErrConcurrentUpdate, taskID)
	}
	return p.Update.Apply(task), nil
}

func (e *Engine) emit(ctx context.Context, name string, task model.Task) {
	if err := e.outbox.Publish(ctx, realtime.ToParticipants(name, task)...); err != nil {
		logging.Log(fmt.Sprintf("engine: emit %s for task %s failed: %v", name, task.ID, err), slog.LevelWarn)
	}
}
