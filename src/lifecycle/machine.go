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

// Package lifecycle owns the task state machine. It never touches storage:
// each operation validates the current task and returns a Plan, the
// conditional update that applies the transition only if the task is still
// in the state the plan was computed from.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"taskdispatch/src/model"
)

var cancelled = []model.TaskStatus{
	model.TaskCancelledByPoster,
	model.TaskCancelledByWorker,
	model.TaskCancelledByAdmin,
}

var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskSearching:  append([]model.TaskStatus{model.TaskAccepted}, cancelled...),
	model.TaskAccepted:   append([]model.TaskStatus{model.TaskInProgress}, cancelled...),
	model.TaskInProgress: append([]model.TaskStatus{model.TaskInProgress, model.TaskCompleted}, cancelled...),
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to model.TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Plan is a validated transition.
type Plan struct {
	Filter model.TaskFilter
	Update model.TaskUpdate
}

// NewTask validates the poster's details and builds a SEARCHING task.
func NewTask(id, posterID string, d model.TaskDetails, now time.Time) (model.Task, error) {
	if strings.TrimSpace(posterID) == "" {
		return model.Task{}, fmt.Errorf("%w: posterId is required", model.ErrInvalidInput)
	}
	if strings.TrimSpace(d.Title) == "" {
		return model.Task{}, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}
	if d.Location == nil {
		return model.Task{}, fmt.Errorf("%w: task location is required", model.ErrLocationRequired)
	}
	if !d.Location.Valid() {
		return model.Task{}, fmt.Errorf("%w: coordinates out of range", model.ErrInvalidInput)
	}
	if !d.Budget.IsPositive() {
		return model.Task{}, fmt.Errorf("%w: budget must be positive", model.ErrInvalidInput)
	}
	return model.Task{
		ID:          id,
		Status:      model.TaskSearching,
		PosterID:    posterID,
		Title:       strings.TrimSpace(d.Title),
		Description: d.Description,
		Category:    d.Category,
		Location:    *d.Location,
		Budget:      d.Budget,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Accept plans SEARCHING -> ACCEPTED. The filter also requires that the
// worker holds no other active task.
func Accept(task model.Task, workerID string, now time.Time) (Plan, error) {
	if workerID == "" {
		return Plan{}, fmt.Errorf("%w: workerId is required", model.ErrInvalidInput)
	}
	if task.Status != model.TaskSearching {
		return Plan{}, &model.ConflictError{Task: task}
	}
	if workerID == task.PosterID {
		return Plan{}, model.ErrSelfAcceptForbidden
	}
	return Plan{
		Filter: model.TaskFilter{
			ID:         task.ID,
			Statuses:   []model.TaskStatus{model.TaskSearching},
			IdleWorker: workerID,
		},
		Update: model.TaskUpdate{
			Status:     model.Ptr(model.TaskAccepted),
			WorkerID:   model.Ptr(workerID),
			AcceptedAt: &now,
			UpdatedAt:  now,
		},
	}, nil
}

// Start plans ACCEPTED -> IN_PROGRESS for the assigned worker.
func Start(task model.Task, workerID string, now time.Time) (Plan, error) {
	if err := requireWorker(task, workerID); err != nil {
		return Plan{}, err
	}
	if task.Status != model.TaskAccepted {
		return Plan{}, invalid(task, model.TaskInProgress)
	}
	return Plan{
		Filter: model.TaskFilter{
			ID:       task.ID,
			Statuses: []model.TaskStatus{model.TaskAccepted},
			WorkerID: workerID,
		},
		Update: model.TaskUpdate{
			Status:    model.Ptr(model.TaskInProgress),
			StartedAt: &now,
			UpdatedAt: now,
		},
	}, nil
}

// MarkComplete plans the worker's half of the completion handshake.
func MarkComplete(task model.Task, workerID string, now time.Time) (Plan, error) {
	if err := requireWorker(task, workerID); err != nil {
		return Plan{}, err
	}
	if task.WorkerCompleted {
		return Plan{}, fmt.Errorf("%w: task %s", model.ErrAlreadyMarked, task.ID)
	}
	if task.Status != model.TaskInProgress {
		return Plan{}, invalid(task, model.TaskInProgress)
	}
	return Plan{
		Filter: model.TaskFilter{
			ID:              task.ID,
			Statuses:        []model.TaskStatus{model.TaskInProgress},
			WorkerID:        workerID,
			WorkerCompleted: model.Ptr(false),
		},
		Update: model.TaskUpdate{
			WorkerCompleted: model.Ptr(true),
			UpdatedAt:       now,
		},
	}, nil
}

// ConfirmComplete plans IN_PROGRESS -> COMPLETED for the poster.
func ConfirmComplete(task model.Task, posterID string, now time.Time) (Plan, error) {
	if posterID == "" || posterID != task.PosterID {
		return Plan{}, fmt.Errorf("%w: only the poster can confirm completion", model.ErrForbidden)
	}
	if !task.WorkerCompleted {
		return Plan{}, fmt.Errorf("%w: task %s", model.ErrWorkerNotDone, task.ID)
	}
	if task.Status != model.TaskInProgress {
		return Plan{}, invalid(task, model.TaskCompleted)
	}
	return Plan{
		Filter: model.TaskFilter{
			ID:              task.ID,
			Statuses:        []model.TaskStatus{model.TaskInProgress},
			PosterID:        posterID,
			WorkerCompleted: model.Ptr(true),
		},
		Update: model.TaskUpdate{
			Status:      model.Ptr(model.TaskCompleted),
			CompletedAt: &now,
			UpdatedAt:   now,
		},
	}, nil
}

// Cancel plans a move to the CANCELLED_* status matching role.
func Cancel(task model.Task, actorID string, role model.ActorRole, reason string, now time.Time) (Plan, error) {
	if task.Status.Terminal() {
		return Plan{}, fmt.Errorf("%w: task %s is %s", model.ErrAlreadyTerminal, task.ID, task.Status)
	}
	if actorID == "" {
		return Plan{}, fmt.Errorf("%w: actorId is required", model.ErrForbidden)
	}

	var target model.TaskStatus
	switch role {
	case model.RolePoster:
		if actorID != task.PosterID {
			return Plan{}, fmt.Errorf("%w: %s is not the poster", model.ErrForbidden, actorID)
		}
		target = model.TaskCancelledByPoster
	case model.RoleWorker:
		if task.WorkerID == "" || actorID != task.WorkerID {
			return Plan{}, fmt.Errorf("%w: %s is not the assigned worker", model.ErrForbidden, actorID)
		}
		target = model.TaskCancelledByWorker
	case model.RoleAdmin:
		target = model.TaskCancelledByAdmin
	default:
		return Plan{}, fmt.Errorf("%w: unknown role %q", model.ErrForbidden, role)
	}
	if !CanTransition(task.Status, target) {
		return Plan{}, invalid(task, target)
	}

	return Plan{
		Filter: model.TaskFilter{
			ID:       task.ID,
			Statuses: []model.TaskStatus{task.Status},
		},
		Update: model.TaskUpdate{
			Status:       model.Ptr(target),
			CancelledBy:  model.Ptr(actorID),
			CancelReason: model.Ptr(reason),
			CancelledAt:  &now,
			UpdatedAt:    now,
		},
	}, nil
}

// IncreaseBudget plans a budget raise while the task is still SEARCHING.
func IncreaseBudget(task model.Task, posterID string, budget decimal.Decimal, now time.Time) (Plan, error) {
	if posterID == "" || posterID != task.PosterID {
		return Plan{}, fmt.Errorf("%w: only the poster can change the budget", model.ErrForbidden)
	}
	if !budget.IsPositive() {
		return Plan{}, fmt.Errorf("%w: budget must be positive", model.ErrInvalidInput)
	}
	if task.Status != model.TaskSearching {
		return Plan{}, fmt.Errorf("%w: budget is fixed once task is %s", model.ErrInvalidTransition, task.Status)
	}
	if !budget.GreaterThan(task.Budget) {
		return Plan{}, fmt.Errorf("%w: %s is not above %s", model.ErrBudgetNotIncreased, budget, task.Budget)
	}
	return Plan{
		Filter: model.TaskFilter{
			ID:          task.ID,
			Statuses:    []model.TaskStatus{model.TaskSearching},
			PosterID:    posterID,
			BudgetBelow: &budget,
		},
		Update: model.TaskUpdate{
			Budget:    &budget,
			UpdatedAt: now,
		},
	}, nil
}

func requireWorker(task model.Task, workerID string) error {
	if workerID == "" || task.WorkerID != workerID {
		return fmt.Errorf("%w: %s is not assigned to task %s", model.ErrForbidden, workerID, task.ID)
	}
	return nil
}

func invalid(task model.Task, to model.TaskStatus) error {
	return fmt.Errorf("%w: task %s cannot move from %s to %s", model.ErrInvalidTransition, task.ID, task.Status, to)
}
