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
	"errors"
	"fmt"
)

// User-facing outcomes. Callers wrap these with %w to add detail.
var (
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrForbidden                = errors.New("forbidden")
	ErrAlreadyAccepted          = errors.New("task already accepted")
	ErrActiveTaskExists         = errors.New("worker already has an active task")
	ErrCancellationLimitReached = errors.New("daily cancellation limit reached")
	ErrSelfAcceptForbidden      = errors.New("poster cannot accept own task")
	ErrAlreadyTerminal          = errors.New("task already finished")
	ErrAlreadyMarked            = errors.New("task already marked complete")
	ErrWorkerNotDone            = errors.New("worker has not marked the task complete")
	ErrWorkerOffline            = errors.New("worker is offline")
	ErrLocationRequired         = errors.New("location required")
	ErrTaskNotFound             = errors.New("task not found")
	ErrInvalidInput             = errors.New("invalid input")
	ErrBudgetNotIncreased       = errors.New("budget must increase")
	ErrConcurrentUpdate         = errors.New("task changed concurrently")
)

// ConflictError is returned to the loser of an acceptance race. Task holds
// the state the winner left behind.
type ConflictError struct {
	Task Task
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: task %s is %s", ErrAlreadyAccepted, e.Task.ID, e.Task.Status)
}

func (e *ConflictError) Unwrap() error {
	return ErrAlreadyAccepted
}

// ErrorCode maps err to a stable machine-readable code for clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrAlreadyAccepted):
		return "AlreadyAccepted"
	case errors.Is(err, ErrActiveTaskExists):
		return "ActiveTaskExists"
	case errors.Is(err, ErrCancellationLimitReached):
		return "CancellationLimitReached"
	case errors.Is(err, ErrSelfAcceptForbidden):
		return "SelfAcceptForbidden"
	case errors.Is(err, ErrAlreadyTerminal):
		return "AlreadyTerminal"
	case errors.Is(err, ErrAlreadyMarked):
		return "AlreadyMarked"
	case errors.Is(err, ErrWorkerNotDone):
		return "WorkerNotDone"
	case errors.Is(err, ErrWorkerOffline):
		return "WorkerOffline"
	case errors.Is(err, ErrLocationRequired):
		return "LocationRequired"
	case errors.Is(err, ErrTaskNotFound):
		return "TaskNotFound"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrBudgetNotIncreased):
		return "BudgetNotIncreased"
	case errors.Is(err, ErrConcurrentUpdate):
		return "ConcurrentUpdate"
	}
	return "Internal"
}
