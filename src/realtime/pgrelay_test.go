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
	"testing"

	"gotest.tools/v3/assert"

	"taskdispatch/src/model"
)

func TestRelayForwardDropsLocalEcho(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	relay := NewPGRelay(nil, "", "dispatch_events", hub)

	sub := hub.Subscribe("p1")
	defer sub.Close()

	ev := TaskEvent(EventTaskAccepted, "p1", model.Task{ID: "t1", PosterID: "p1", WorkerID: "w1"})
	assert.NilError(t, hub.Publish(context.Background(), ev))

	raw, err := json.Marshal(ev)
	assert.NilError(t, err)
	relay.forward(context.Background(), string(raw))

	other := TaskEvent(EventTaskUpdated, "p1", model.Task{ID: "t1", PosterID: "p1"})
	raw, err = json.Marshal(other)
	assert.NilError(t, err)
	relay.forward(context.Background(), string(raw))

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, first.ID, ev.ID)
	assert.Equal(t, second.ID, other.ID)
	assert.Equal(t, len(sub.Events), 0)
}

func TestRelayForwardIgnoresGarbage(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sub := hub.Subscribe("p1")
	defer sub.Close()

	NewPGRelay(nil, "", "dispatch_events", hub).forward(context.Background(), "{not json")
	assert.Equal(t, len(sub.Events), 0)
}
