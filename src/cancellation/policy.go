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

package cancellation

import (
	"context"
	"time"

	"taskdispatch/src/model"
)

const dayLayout = "2006-01-02"

// Ledger is the per-worker, per-day counter the policy reads and bumps.
type Ledger interface {
	IncrementCancellation(ctx context.Context, workerID, day string) (int, error)
	CancellationCount(ctx context.Context, workerID, day string) (int, error)
}

// Policy is a soft daily rate limit on worker cancellations. It only ever
// gates new acceptances.
type Policy struct {
	ledger Ledger
	limit  int
	clock  func() time.Time
}

func NewPolicy(ledger Ledger, limit int, clock func() time.Time) *Policy {
	if limit <= 0 {
		limit = 2
	}
	if clock == nil {
		clock = time.Now
	}
	return &Policy{ledger: ledger, limit: limit, clock: clock}
}

func (p *Policy) Limit() int {
	return p.limit
}

// Today is the server-local calendar day used as the ledger key.
func (p *Policy) Today() string {
	return p.clock().Local().Format(dayLayout)
}

func (p *Policy) RecordCancellation(ctx context.Context, workerID string) (int, error) {
	return p.ledger.IncrementCancellation(ctx, workerID, p.Today())
}

func (p *Policy) Count(ctx context.Context, workerID string) (int, error) {
	return p.ledger.CancellationCount(ctx, workerID, p.Today())
}

func (p *Policy) CanAccept(ctx context.Context, workerID string) (bool, error) {
	n, err := p.Count(ctx, workerID)
	if err != nil {
		return false, err
	}
	return n < p.limit, nil
}

// Guard is the ledger precondition an acceptance carries into the store, so
// the limit is enforced by the same write that assigns the task.
func (p *Policy) Guard(workerID string) *model.LedgerGuard {
	return &model.LedgerGuard{WorkerID: workerID, Day: p.Today(), Limit: p.limit}
}
