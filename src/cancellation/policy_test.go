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
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"taskdispatch/src/store"
)

func TestLimitBlocksAfterTwo(t *testing.T) {
	ctx := context.Background()
	p := NewPolicy(store.NewMemory(), 2, nil)

	ok, err := p.CanAccept(ctx, "w1")
	assert.NilError(t, err)
	assert.Assert(t, ok)

	n, err := p.RecordCancellation(ctx, "w1")
	assert.NilError(t, err)
	assert.Equal(t, n, 1)
	ok, _ = p.CanAccept(ctx, "w1")
	assert.Assert(t, ok, "one cancellation is below the limit")

	n, err = p.RecordCancellation(ctx, "w1")
	assert.NilError(t, err)
	assert.Equal(t, n, 2)
	ok, _ = p.CanAccept(ctx, "w1")
	assert.Assert(t, !ok)

	ok, _ = p.CanAccept(ctx, "w2")
	assert.Assert(t, ok, "ledger is per worker")
}

func TestRolloverAtMidnight(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.Local)
	p := NewPolicy(store.NewMemory(), 2, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		_, err := p.RecordCancellation(ctx, "w1")
		assert.NilError(t, err)
	}
	ok, _ := p.CanAccept(ctx, "w1")
	assert.Assert(t, !ok)

	now = now.Add(time.Hour)
	assert.Equal(t, p.Today(), "2026-03-11")
	ok, _ = p.CanAccept(ctx, "w1")
	assert.Assert(t, ok, "a new day starts from zero")
	n, _ := p.Count(ctx, "w1")
	assert.Equal(t, n, 0)
}

func TestConfigurableLimit(t *testing.T) {
	ctx := context.Background()
	p := NewPolicy(store.NewMemory(), 3, nil)
	assert.Equal(t, p.Limit(), 3)
	for i := 0; i < 2; i++ {
		_, _ = p.RecordCancellation(ctx, "w1")
	}
	ok, _ := p.CanAccept(ctx, "w1")
	assert.Assert(t, ok)

	assert.Equal(t, NewPolicy(store.NewMemory(), 0, nil).Limit(), 2)
}
