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

package presence

import (
	"fmt"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"taskdispatch/src/model"
)

var bangalore = model.Location{Lat: 12.97, Lng: 77.59, City: "Bengaluru"}

func TestSetOnlineRequiresLocation(t *testing.T) {
	r := NewRegistry(5)
	_, err := r.SetOnline("w1", nil, 5, "conn-1")
	assert.ErrorIs(t, err, model.ErrLocationRequired)
	assert.Assert(t, !r.IsOnline("w1"))
}

func TestSetOnlineDefaultsRadius(t *testing.T) {
	r := NewRegistry(3)
	p, err := r.SetOnline("w1", &bangalore, 0, "conn-1")
	assert.NilError(t, err)
	assert.Equal(t, p.RadiusKm, 3.0)
	assert.Assert(t, r.IsOnline("w1"))
}

func TestSetOnlineOverwritesSlot(t *testing.T) {
	r := NewRegistry(5)
	_, err := r.SetOnline("w1", &bangalore, 5, "conn-1")
	assert.NilError(t, err)
	moved := model.Location{Lat: 12.98, Lng: 77.60}
	_, err = r.SetOnline("w1", &moved, 8, "conn-2")
	assert.NilError(t, err)

	assert.Equal(t, r.Count(), 1)
	p, ok := r.Get("w1")
	assert.Assert(t, ok)
	assert.Equal(t, p.ConnectionHandle, "conn-2")
	assert.Equal(t, p.RadiusKm, 8.0)
	assert.Equal(t, p.Location.Lat, 12.98)
}

func TestUpdateLocationOffline(t *testing.T) {
	r := NewRegistry(5)
	_, err := r.UpdateLocation("ghost", bangalore)
	assert.ErrorIs(t, err, model.ErrWorkerOffline)
}

func TestSetOfflineAndDropConnection(t *testing.T) {
	r := NewRegistry(5)
	_, err := r.SetOnline("w1", &bangalore, 5, "conn-1")
	assert.NilError(t, err)

	assert.Assert(t, !r.DropConnection("w1", "conn-old"), "stale handle must not drop the slot")
	assert.Assert(t, r.IsOnline("w1"))
	assert.Assert(t, r.DropConnection("w1", "conn-1"))
	assert.Assert(t, !r.IsOnline("w1"))
	assert.Assert(t, !r.SetOffline("w1"))
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	r := NewRegistry(5)
	for _, id := range []string{"w3", "w1", "w2"} {
		_, err := r.SetOnline(id, &bangalore, 5, "conn-"+id)
		assert.NilError(t, err)
	}
	snap := r.Snapshot()
	assert.Equal(t, len(snap), 3)
	assert.Equal(t, snap[0].WorkerID, "w1")
	assert.Equal(t, snap[2].WorkerID, "w3")

	snap[0].RadiusKm = 99
	p, _ := r.Get("w1")
	assert.Equal(t, p.RadiusKm, 5.0)

	r.Close()
	assert.Equal(t, r.Count(), 0)
}

func TestConcurrentOnlineOffline(t *testing.T) {
	r := NewRegistry(5)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = r.SetOnline("w1", &bangalore, 5, fmt.Sprintf("conn-%d", i))
		}(i)
		go func() {
			defer wg.Done()
			r.SetOffline("w1")
		}()
	}
	wg.Wait()
	assert.Assert(t, r.Count() <= 1)
}
