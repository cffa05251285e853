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
	"sort"
	"sync"
	"time"

	"taskdispatch/src/model"
)

// Presence is a worker's transient online state.
type Presence struct {
	WorkerID         string         `json:"workerId"`
	Online           bool           `json:"online"`
	Location         model.Location `json:"location"`
	RadiusKm         float64        `json:"radiusKm"`
	ConnectionHandle string         `json:"-"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Registry holds one slot per worker. Writes to the same slot are
// last-write-wins.
type Registry struct {
	mu            sync.RWMutex
	workers       map[string]*Presence
	defaultRadius float64
	clock         func() time.Time
}

type Option func(*Registry)

func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func NewRegistry(defaultRadiusKm float64, opts ...Option) *Registry {
	if defaultRadiusKm <= 0 {
		defaultRadiusKm = 5
	}
	r := &Registry{
		workers:       make(map[string]*Presence),
		defaultRadius: defaultRadiusKm,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetOnline creates or overwrites the worker's slot. A worker cannot go
// online without a captured position.
func (r *Registry) SetOnline(workerID string, loc *model.Location, radiusKm float64, handle string) (Presence, error) {
	if workerID == "" {
		return Presence{}, fmt.Errorf("%w: worker id is required", model.ErrInvalidInput)
	}
	if loc == nil {
		return Presence{}, model.ErrLocationRequired
	}
	if !loc.Valid() {
		return Presence{}, fmt.Errorf("%w: coordinates out of range", model.ErrInvalidInput)
	}
	if radiusKm <= 0 {
		radiusKm = r.defaultRadius
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := &Presence{
		WorkerID:         workerID,
		Online:           true,
		Location:         *loc,
		RadiusKm:         radiusKm,
		ConnectionHandle: handle,
		UpdatedAt:        r.clock(),
	}
	r.workers[workerID] = p
	return *p, nil
}

// SetOffline drops the worker's slot. It reports whether a slot existed.
func (r *Registry) SetOffline(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	return ok
}

// DropConnection removes the slot only if it still belongs to handle, so a
// stale socket closing does not take down a newer session.
func (r *Registry) DropConnection(workerID, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.workers[workerID]
	if !ok || p.ConnectionHandle != handle {
		return false
	}
	delete(r.workers, workerID)
	return true
}

func (r *Registry) UpdateLocation(workerID string, loc model.Location) (Presence, error) {
	if !loc.Valid() {
		return Presence{}, fmt.Errorf("%w: coordinates out of range", model.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.workers[workerID]
	if !ok {
		return Presence{}, model.ErrWorkerOffline
	}
	p.Location = loc
	p.UpdatedAt = r.clock()
	return *p, nil
}

func (r *Registry) IsOnline(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.workers[workerID]
	return ok && p.Online
}

func (r *Registry) Get(workerID string) (Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.workers[workerID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

// Snapshot copies every online slot, ordered by worker id.
func (r *Registry) Snapshot() []Presence {
	r.mu.RLock()
	out := make([]Presence, 0, len(r.workers))
	for _, p := range r.workers {
		if p.Online {
			out = append(out, *p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].WorkerID < out[j].WorkerID
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Close forgets every worker. Called at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = make(map[string]*Presence)
}
