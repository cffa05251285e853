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

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"taskdispatch/src/lifecycle"
	"taskdispatch/src/logging"
	"taskdispatch/src/model"
	"taskdispatch/src/realtime"
)

// AcceptTask assigns a SEARCHING task to workerID. Preconditions are checked
// in order: task state, self-accept, presence, daily cancellation limit, and
// the one-active-task rule. The store's conditional update re-checks the
// state, the idle worker and the ledger, so a cancellation landing after the
// read still refuses the assignment. A loser gets a *model.ConflictError
// carrying the task as the winner left it.
func (e *Engine) AcceptTask(ctx context.Context, taskID, workerID string) (task model.Task, err error) {
	ctx, span := logging.StartSpan(ctx, "engine.AcceptTask",
		attribute.String("task.id", taskID), attribute.String("worker.id", workerID))
	defer func() {
		if errors.Is(err, model.ErrAlreadyAccepted) {
			logging.Count(ctx, "dispatch_accept_conflicts", 1)
		}
		logging.EndSpan(span, err)
	}()

	task, err = e.store.FindTaskByID(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	plan, err := lifecycle.Accept(task, workerID, e.clock())
	if err != nil {
		return task, err
	}

	if !e.presence.IsOnline(workerID) {
		return task, fmt.Errorf("%w: %s must be online to accept", model.ErrWorkerOffline, workerID)
	}

	allowed, err := e.cancellations.CanAccept(ctx, workerID)
	if err != nil {
		return task, err
	}
	if !allowed {
		return task, fmt.Errorf("%w: %d cancellations today", model.ErrCancellationLimitReached, e.cancellations.Limit())
	}

	active, err := e.store.FindActiveTaskForWorker(ctx, workerID)
	if err != nil {
		return task, err
	}
	if active != nil {
		return task, fmt.Errorf("%w: %s is on task %s", model.ErrActiveTaskExists, workerID, active.ID)
	}

	plan.Filter.CancelCountBelow = e.cancellations.Guard(workerID)
	matched, err := e.store.UpdateTask(ctx, plan.Filter, plan.Update)
	if err != nil {
		return task, err
	}
	if matched == 0 {
		return e.acceptLost(ctx, task, workerID)
	}

	task = plan.Update.Apply(task)
	logging.Count(ctx, "dispatch_tasks_accepted", 1)
	logging.Log(fmt.Sprintf("engine: task %s accepted by %s", task.ID, workerID), slog.LevelInfo)
	e.emit(ctx, realtime.EventTaskAccepted, task)
	return task, nil
}

// acceptLost explains a conditional update that matched nothing. If the task
// is still SEARCHING one of the worker guards failed: the ledger or the
// idle-worker rule.
func (e *Engine) acceptLost(ctx context.Context, prev model.Task, workerID string) (model.Task, error) {
	current, err := e.store.FindTaskByID(ctx, prev.ID)
	if err != nil {
		return prev, err
	}
	if current.Status != model.TaskSearching {
		return current, &model.ConflictError{Task: current}
	}
	allowed, err := e.cancellations.CanAccept(ctx, workerID)
	if err != nil {
		return current, err
	}
	if !allowed {
		return current, fmt.Errorf("%w: %d cancellations today", model.ErrCancellationLimitReached, e.cancellations.Limit())
	}
	return current, fmt.Errorf("%w: %s took another task concurrently", model.ErrActiveTaskExists, workerID)
}
