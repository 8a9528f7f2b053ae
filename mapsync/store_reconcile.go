package mapsync

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// the ids received for one map while a subscribe call is in flight.
// the pick set is fixed when the call is issued
type reconcileRecorder struct {
	mapSlug  string
	pick     []MapPick
	received map[MapPick]map[ID]bool
}

func newReconcileRecorder(mapSlug string, pick []MapPick) *reconcileRecorder {
	return &reconcileRecorder{
		mapSlug: mapSlug,
		pick:    pick,
		received: map[MapPick]map[ID]bool{
			MapPickMarkers: {},
			MapPickLines:   {},
			MapPickTypes:   {},
			MapPickViews:   {},
			MapPickHistory: {},
		},
	}
}

func (self *reconcileRecorder) picks(kind MapPick) bool {
	if kind == MapPickLines {
		return slices.Contains(self.pick, MapPickLines) || slices.Contains(self.pick, MapPickLinesWithTrackPoints)
	}
	return slices.Contains(self.pick, kind)
}

// creates the map storage and records the ids the server sends until `call` settles.
// on success everything of a picked kind that was not sent again is pruned
func (self *ClientStore) startReconcile(mapSlug string, options MapSubscriptionOptions, call *PendingCall) {
	storage := self.trackMap(mapSlug)
	recorder := newReconcileRecorder(mapSlug, options.EffectivePick())
	log := SubLogFn(LogLevelDebug, self.log, mapSlug)
	self.reconcilers[storage] = append(self.reconcilers[storage], recorder)

	call.OnSettled(func(call *PendingCall) {
		recorders, ok := self.reconcilers[storage]
		if !ok {
			// the map was removed
			return
		}
		i := slices.Index(recorders, recorder)
		if i < 0 {
			return
		}
		recorders = slices.Delete(recorders, i, i+1)
		if len(recorders) == 0 {
			delete(self.reconcilers, storage)
		} else {
			self.reconcilers[storage] = recorders
		}

		if err := call.Err(); err != nil {
			log("subscribe failed, skip reconcile = %s", err)
			return
		}
		Trace(fmt.Sprintf("[st]reconcile %s", mapSlug), func() {
			self.prune(storage, recorder)
		})
	})
}

// must run on the event loop
func (self *ClientStore) record(storage *MapStorage, kind MapPick, id ID) {
	for _, recorder := range self.reconcilers[storage] {
		recorder.received[kind][id] = true
	}
}

func (self *ClientStore) prune(storage *MapStorage, recorder *reconcileRecorder) {
	pruned := 0
	if recorder.picks(MapPickMarkers) {
		pruned += pruneMap(storage.Markers, recorder.received[MapPickMarkers])
	}
	if recorder.picks(MapPickLines) {
		pruned += pruneMap(storage.Lines, recorder.received[MapPickLines])
	}
	if recorder.picks(MapPickTypes) {
		pruned += pruneMap(storage.Types, recorder.received[MapPickTypes])
	}
	if recorder.picks(MapPickViews) {
		pruned += pruneMap(storage.Views, recorder.received[MapPickViews])
	}
	if recorder.picks(MapPickHistory) {
		pruned += pruneMap(storage.History, recorder.received[MapPickHistory])
	}
	self.log("reconciled %s pick=%v pruned=%d", recorder.mapSlug, recorder.pick, pruned)
}

func pruneMap[V any](values *ReactiveMap[ID, V], keep map[ID]bool) int {
	pruned := 0
	for _, id := range values.Keys() {
		if !keep[id] {
			if values.Delete(id) {
				pruned += 1
			}
		}
	}
	return pruned
}

// the lines whose points the server resent after a zoom change
type linePointsRecorder struct {
	confirmed map[*MapStorage]map[ID]bool
}

func newLinePointsRecorder() *linePointsRecorder {
	return &linePointsRecorder{
		confirmed: map[*MapStorage]map[ID]bool{},
	}
}

func (self *linePointsRecorder) confirm(storage *MapStorage, lineId ID) {
	lineIds, ok := self.confirmed[storage]
	if !ok {
		lineIds = map[ID]bool{}
		self.confirmed[storage] = lineIds
	}
	lineIds[lineId] = true
}

func (self *ClientStore) resetUnconfirmedLinePoints(recorder *linePointsRecorder) {
	for mapSlug, storage := range self.Maps.Snapshot() {
		confirmed := recorder.confirmed[storage]
		reset := 0
		for lineId, line := range storage.Lines.Snapshot() {
			if confirmed[lineId] || line.TrackPoints.Count() == 0 {
				continue
			}
			next := *line
			next.TrackPoints = NewTrackPoints()
			storage.Lines.Set(lineId, &next)
			reset += 1
		}
		if 0 < reset {
			self.log("reset points of %d lines of %s after zoom change", reset, mapSlug)
		}
	}
}
