package mapsync

import (
	"golang.org/x/exp/slices"
)

type TrackPoint struct {
	Idx int      `json:"idx"`
	Lat float64  `json:"lat"`
	Lon float64  `json:"lon"`
	Ele *float64 `json:"ele,omitempty"`
}

// sparse, index addressed track points.
// values are immutable; merging returns a new collection
type TrackPoints struct {
	points map[int]TrackPoint
	length int
}

func NewTrackPoints() *TrackPoints {
	return &TrackPoints{
		points: map[int]TrackPoint{},
	}
}

// one past the highest occupied index
func (self *TrackPoints) Len() int {
	if self == nil {
		return 0
	}
	return self.length
}

// number of occupied indices
func (self *TrackPoints) Count() int {
	if self == nil {
		return 0
	}
	return len(self.points)
}

func (self *TrackPoints) Get(idx int) (TrackPoint, bool) {
	if self == nil {
		return TrackPoint{}, false
	}
	trackPoint, ok := self.points[idx]
	return trackPoint, ok
}

// occupied points in index order
func (self *TrackPoints) Ordered() []TrackPoint {
	if self == nil {
		return []TrackPoint{}
	}
	trackPoints := make([]TrackPoint, 0, len(self.points))
	for _, trackPoint := range self.points {
		trackPoints = append(trackPoints, trackPoint)
	}
	slices.SortFunc(trackPoints, func(a TrackPoint, b TrackPoint) int {
		return a.Idx - b.Idx
	})
	return trackPoints
}

// overwrites only the indices in `batch`. with `reset` the existing points are dropped first.
// the length is recomputed from the occupied indices
func MergeTrackPoints(existing *TrackPoints, batch []TrackPoint, reset bool) *TrackPoints {
	merged := NewTrackPoints()
	if !reset && existing != nil {
		for idx, trackPoint := range existing.points {
			merged.points[idx] = trackPoint
		}
	}
	for _, trackPoint := range batch {
		if trackPoint.Idx < 0 {
			continue
		}
		merged.points[trackPoint.Idx] = trackPoint
	}
	for idx := range merged.points {
		if merged.length < idx+1 {
			merged.length = idx + 1
		}
	}
	return merged
}
