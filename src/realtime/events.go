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

package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"taskdispatch/src/model"
)

const (
	EventNewTask       = "new_task"
	EventTaskAccepted  = "task_accepted"
	EventTaskUpdated   = "task_updated"
	EventTaskCompleted = "task_completed"
	EventTaskCancelled = "task_cancelled"
)

// Event is one message addressed to one connected user.
type Event struct {
	ID      string          `json:"id"`
	Name    string          `json:"event"`
	UserID  string          `json:"userId"`
	TaskID  string          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Outbox accepts events produced by the engine. Delivery is best effort.
type Outbox interface {
	Publish(ctx context.Context, events ...Event) error
}

// TaskEvent builds an event carrying the task as payload.
func TaskEvent(name, userID string, task model.Task) Event {
	payload, err := json.Marshal(task)
	if err != nil {
		payload = nil
	}
	return Event{
		ID:      uuid.NewString(),
		Name:    name,
		UserID:  userID,
		TaskID:  task.ID,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// ToParticipants fans a task event out to the poster and assigned worker.
func ToParticipants(name string, task model.Task) []Event {
	users := task.Participants()
	events := make([]Event, 0, len(users))
	for _, u := range users {
		events = append(events, TaskEvent(name, u, task))
	}
	return events
}

// Discard drops everything. Useful when no transport is wired.
type Discard struct{}

func (Discard) Publish(context.Context, ...Event) error { return nil }
