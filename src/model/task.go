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

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TaskStatus string

const (
	TaskSearching         TaskStatus = "SEARCHING"
	TaskAccepted          TaskStatus = "ACCEPTED"
	TaskInProgress        TaskStatus = "IN_PROGRESS"
	TaskCompleted         TaskStatus = "COMPLETED"
	TaskCancelledByPoster TaskStatus = "CANCELLED_BY_POSTER"
	TaskCancelledByWorker TaskStatus = "CANCELLED_BY_WORKER"
	TaskCancelledByAdmin  TaskStatus = "CANCELLED_BY_ADMIN"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskSearching,
	TaskAccepted,
	TaskInProgress,
	TaskCompleted,
	TaskCancelledByPoster,
	TaskCancelledByWorker,
	TaskCancelledByAdmin,
}

// ActiveStatuses are the statuses in which a task occupies its worker.
var ActiveStatuses = []TaskStatus{TaskAccepted, TaskInProgress}

func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Active reports whether a task in this status occupies its worker.
func (s TaskStatus) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s.Cancelled()
}

func (s TaskStatus) Cancelled() bool {
	switch s {
	case TaskCancelledByPoster, TaskCancelledByWorker, TaskCancelledByAdmin:
		return true
	}
	return false
}

type Location struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Area string  `json:"area,omitempty"`
	City string  `json:"city,omitempty"`
}

// Valid reports whether the coordinates fall inside the WGS84 range.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

type Task struct {
	ID              string          `json:"id"`
	Status          TaskStatus      `json:"status"`
	PosterID        string          `json:"posterId"`
	WorkerID        string          `json:"workerId,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Category        string          `json:"category,omitempty"`
	Location        Location        `json:"location"`
	Budget          decimal.Decimal `json:"budget"`
	WorkerCompleted bool            `json:"workerCompleted"`
	CancelledBy     string          `json:"cancelledBy,omitempty"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	LastAlertedAt   *time.Time      `json:"lastAlertedAt,omitempty"`
	AcceptedAt      *time.Time      `json:"acceptedAt,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// TaskDetails is the poster-supplied payload for a new task.
type TaskDetails struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Location    *Location       `json:"location"`
	Budget      decimal.Decimal `json:"budget"`
}

// Participants returns the users that should hear about changes to t.
func (t Task) Participants() []string {
	if t.WorkerID == "" {
		return []string{t.PosterID}
	}
	return []string{t.PosterID, t.WorkerID}
}

type ActorRole string

const (
	RolePoster ActorRole = "poster"
	RoleWorker ActorRole = "worker"
	RoleAdmin  ActorRole = "admin"
)
