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

package geo

import (
	"github.com/golang/geo/s2"

	"taskdispatch/src/model"
	"taskdispatch/src/presence"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b model.Location) float64 {
	return latLng(a).Distance(latLng(b)).Radians() * earthRadiusKm
}

func latLng(l model.Location) s2.LatLng {
	return s2.LatLngFromDegrees(l.Lat, l.Lng)
}

// Snapshotter is the slice of the presence registry the matcher reads.
type Snapshotter interface {
	Snapshot() []presence.Presence
}

type Candidate struct {
	WorkerID   string
	DistanceKm float64
}

type Matcher struct {
	presence Snapshotter
}

func NewMatcher(p Snapshotter) *Matcher {
	return &Matcher{presence: p}
}

// Match returns every online worker, other than the poster, whose own
// radius covers the task location. Order follows the snapshot.
func (m *Matcher) Match(task model.Task) []Candidate {
	var out []Candidate
	for _, p := range m.presence.Snapshot() {
		if !p.Online || p.WorkerID == task.PosterID {
			continue
		}
		d := DistanceKm(p.Location, task.Location)
		if d <= p.RadiusKm {
			out = append(out, Candidate{WorkerID: p.WorkerID, DistanceKm: d})
		}
	}
	return out
}

// Within filters tasks to those inside the radius around origin. Tasks the
// worker posted are skipped.
func Within(origin model.Location, radiusKm float64, workerID string, tasks []model.Task) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.PosterID == workerID {
			continue
		}
		if DistanceKm(origin, t.Location) <= radiusKm {
			out = append(out, t)
		}
	}
	return out
}
