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

package store

import (
	"context"

	"taskdispatch/src/model"
)

// Store is the persistence contract of the dispatch engine. UpdateTask is
// the single serialization point: implementations must evaluate the filter
// and write the update atomically.
type Store interface {
	CreateTask(ctx context.Context, task model.Task) error
	FindTaskByID(ctx context.Context, id string) (model.Task, error)
	UpdateTask(ctx context.Context, filter model.TaskFilter, update model.TaskUpdate) (int64, error)
	FindActiveTaskForWorker(ctx context.Context, workerID string) (*model.Task, error)
	ListTasks(ctx context.Context, q model.TaskQuery) ([]model.Task, error)

	IncrementCancellation(ctx context.Context, workerID, day string) (int, error)
	CancellationCount(ctx context.Context, workerID, day string) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats is a point-in-time count of tasks by status.
type Stats struct {
	TotalTasks int                      `json:"total_tasks"`
	ByStatus   map[model.TaskStatus]int `json:"by_status"`
}
