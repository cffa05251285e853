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

// TaskFilter is the precondition of a conditional update. Zero-valued
// fields are not checked.
type TaskFilter struct {
	ID       string
	Statuses []TaskStatus
	WorkerID string
	PosterID string

	WorkerCompleted *bool

	// IdleWorker requires that no ACCEPTED or IN_PROGRESS task other than
	// this one references the given worker.
	IdleWorker string

	// AlertedBefore matches tasks never alerted or alerted at or before it.
	AlertedBefore *time.Time

	// BudgetBelow matches tasks whose current budget is strictly lower.
	BudgetBelow *decimal.Decimal

	// CancelCountBelow requires the worker's ledger entry for the day to be
	// under the limit. Like IdleWorker it is evaluated by the store.
	CancelCountBelow *LedgerGuard
}

// LedgerGuard names one cancellation ledger row and the count it must stay
// below.
type LedgerGuard struct {
	WorkerID string
	Day      string
	Limit    int
}

// Matches evaluates every single-row condition of f against t. IdleWorker
// and CancelCountBelow need state outside the row and are left to the store.
func (f TaskFilter) Matches(t Task) bool {
	if f.ID != "" && f.ID != t.ID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == t.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.WorkerID != "" && f.WorkerID != t.WorkerID {
		return false
	}
	if f.PosterID != "" && f.PosterID != t.PosterID {
		return false
	}
	if f.WorkerCompleted != nil && *f.WorkerCompleted != t.WorkerCompleted {
		return false
	}
	if f.AlertedBefore != nil && t.LastAlertedAt != nil && t.LastAlertedAt.After(*f.AlertedBefore) {
		return false
	}
	if f.BudgetBelow != nil && !t.Budget.LessThan(*f.BudgetBelow) {
		return false
	}
	return true
}

// TaskUpdate lists the columns a conditional update writes. Nil fields are
// left untouched.
type TaskUpdate struct {
	Status          *TaskStatus
	WorkerID        *string
	WorkerCompleted *bool
	Budget          *decimal.Decimal
	CancelledBy     *string
	CancelReason    *string
	LastAlertedAt   *time.Time
	AcceptedAt      *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	UpdatedAt       time.Time
}

// Apply returns t with u written over it.
func (u TaskUpdate) Apply(t Task) Task {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.WorkerID != nil {
		t.WorkerID = *u.WorkerID
	}
	if u.WorkerCompleted != nil {
		t.WorkerCompleted = *u.WorkerCompleted
	}
	if u.Budget != nil {
		t.Budget = *u.Budget
	}
	if u.CancelledBy != nil {
		t.CancelledBy = *u.CancelledBy
	}
	if u.CancelReason != nil {
		t.CancelReason = *u.CancelReason
	}
	if u.LastAlertedAt != nil {
		t.LastAlertedAt = timePtr(*u.LastAlertedAt)
	}
	if u.AcceptedAt != nil {
		t.AcceptedAt = timePtr(*u.AcceptedAt)
	}
	if u.StartedAt != nil {
		t.StartedAt = timePtr(*u.StartedAt)
	}
	if u.CompletedAt != nil {
		t.CompletedAt = timePtr(*u.CompletedAt)
	}
	if u.CancelledAt != nil {
		t.CancelledAt = timePtr(*u.CancelledAt)
	}
	if !u.UpdatedAt.IsZero() {
		t.UpdatedAt = u.UpdatedAt
	}
	return t
}

// TaskQuery selects tasks for listing.
type TaskQuery struct {
	PosterID string
	WorkerID string
	Statuses []TaskStatus
	Limit    int
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Ptr returns a pointer to v. Handy when building a TaskUpdate.
func Ptr[T any](v T) *T {
	return &v
}
