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
	"fmt"
	"sort"
	"sync"

	"taskdispatch/src/model"
)

// Memory keeps everything in process. The mutex makes every UpdateTask a
// single check-and-set, mirroring a filtered UPDATE in Postgres.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]model.Task
	ledger map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		tasks:  map[string]model.Task{},
		ledger: map[string]int{},
	}
}

func (m *Memory) CreateTask(_ context.Context, task model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("store: task %s already exists", task.ID)
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) FindTaskByID(_ context.Context, id string) (model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return task, nil
}

func (m *Memory) UpdateTask(_ context.Context, filter model.TaskFilter, update model.TaskUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched int64
	for id, task := range m.tasks {
		if !filter.Matches(task) {
			continue
		}
		if filter.IdleWorker != "" && m.activeFor(filter.IdleWorker, id) {
			continue
		}
		if g := filter.CancelCountBelow; g != nil && m.ledger[ledgerKey(g.WorkerID, g.Day)] >= g.Limit {
			continue
		}
		m.tasks[id] = update.Apply(task)
		matched++
	}
	return matched, nil
}

// activeFor reports whether any task other than skipID occupies workerID.
func (m *Memory) activeFor(workerID, skipID string) bool {
	for id, t := range m.tasks {
		if id == skipID || t.WorkerID != workerID {
			continue
		}
		if t.Status.Active() {
			return true
		}
	}
	return false
}

func (m *Memory) FindActiveTaskForWorker(_ context.Context, workerID string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.WorkerID == workerID && t.Status.Active() {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListTasks(_ context.Context, q model.TaskQuery) ([]model.Task, error) {
	filter := model.TaskFilter{PosterID: q.PosterID, WorkerID: q.WorkerID, Statuses: q.Statuses}

	m.mu.RLock()
	out := make([]model.Task, 0)
	for _, t := range m.tasks {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) IncrementCancellation(_ context.Context, workerID, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ledgerKey(workerID, day)
	m.ledger[key]++
	return m.ledger[key], nil
}

func (m *Memory) CancellationCount(_ context.Context, workerID, day string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger[ledgerKey(workerID, day)], nil
}

func ledgerKey(workerID, day string) string {
	return workerID + "|" + day
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{TotalTasks: len(m.tasks), ByStatus: map[model.TaskStatus]int{}}
	for _, t := range m.tasks {
		st.ByStatus[t.Status]++
	}
	return st, nil
}

func (m *Memory) Close() error {
	return nil
}
