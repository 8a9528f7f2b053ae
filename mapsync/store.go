package mapsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// the local state of one subscribed map.
// `MapData` is nil until the first `mapData` event
type MapStorage struct {
	MapData *ReactiveValue[*MapData]
	Markers *ReactiveMap[ID, *Marker]
	Lines   *ReactiveMap[ID, *LineWithTrackPoints]
	Types   *ReactiveMap[ID, *Type]
	Views   *ReactiveMap[ID, *View]
	History *ReactiveMap[ID, *HistoryEntry]
}

func newMapStorage(provider *ReactiveProvider) *MapStorage {
	return &MapStorage{
		MapData: NewReactiveValue[*MapData](provider, nil),
		Markers: NewReactiveMap[ID, *Marker](provider),
		Lines:   NewReactiveMap[ID, *LineWithTrackPoints](provider),
		Types:   NewReactiveMap[ID, *Type](provider),
		Views:   NewReactiveMap[ID, *View](provider),
		History: NewReactiveMap[ID, *HistoryEntry](provider),
	}
}

type storeEventHandler func(store *ClientStore, event *Event) error

// one typed handler per server pushed event
var storeEventHandlers = map[string]storeEventHandler{
	"mapData":      (*ClientStore).handleMapData,
	"deleteMap":    (*ClientStore).handleDeleteMap,
	"marker":       (*ClientStore).handleMarker,
	"deleteMarker": (*ClientStore).handleDeleteMarker,
	"line":         (*ClientStore).handleLine,
	"deleteLine":   (*ClientStore).handleDeleteLine,
	"linePoints":   (*ClientStore).handleLinePoints,
	"type":         (*ClientStore).handleType,
	"deleteType":   (*ClientStore).handleDeleteType,
	"view":         (*ClientStore).handleView,
	"deleteView":   (*ClientStore).handleDeleteView,
	"history":      (*ClientStore).handleHistory,
	"route":        (*ClientStore).handleRoute,
	"routePoints":  (*ClientStore).handleRoutePoints,
}

// a reactive mirror of every subscribed map and route of one client.
// the store follows the calls the client makes (via the `emit` event), so it works with
// subscriptions created anywhere on the same client.
// all mutations happen on the client event loop; reads are safe from any goroutine
type ClientStore struct {
	client *Client
	log    LogFunction

	// map slug -> storage
	Maps *ReactiveMap[string, *MapStorage]
	// route key -> route
	Routes *ReactiveMap[string, *RouteWithTrackPoints]
	// the active viewport. nil until the first `setBbox`
	Bbox *ReactiveValue[*BboxWithZoom]

	stateLock           sync.Mutex
	listenerIds         []ListenerId
	removeIssueCallback func()

	// held while containers are added or removed, since issue callbacks run off the loop
	containerLock sync.Mutex

	// owned by the event loop
	reconcilers map[*MapStorage][]*reconcileRecorder
	zoomChange  *linePointsRecorder
}

func NewClientStore(client *Client) *ClientStore {
	store := &ClientStore{
		client:      client,
		log:         LogFn(LogLevelDebug, fmt.Sprintf("[st]%s", client.clientId)),
		Maps:        NewReactiveMap[string, *MapStorage](client.Provider()),
		Routes:      NewReactiveMap[string, *RouteWithTrackPoints](client.Provider()),
		Bbox:        NewReactiveValue[*BboxWithZoom](client.Provider(), nil),
		reconcilers: map[*MapStorage][]*reconcileRecorder{},
	}
	store.removeIssueCallback = client.AddIssueCallback(store.onIssue)
	client.Post(func() {
		listenerIds := []ListenerId{
			client.On(EventEmit, store.onEmit),
			client.On(EventUnsubscribe, store.onUnsubscribe),
		}
		for name, handler := range storeEventHandlers {
			listenerIds = append(listenerIds, client.On(name, store.eventListener(name, handler)))
		}
		store.stateLock.Lock()
		defer store.stateLock.Unlock()
		store.listenerIds = listenerIds
	})
	return store
}

// stops following the client. the local state is kept as is
func (self *ClientStore) Close() {
	self.removeIssueCallback()
	self.client.Post(func() {
		self.stateLock.Lock()
		listenerIds := self.listenerIds
		self.listenerIds = nil
		self.stateLock.Unlock()
		for _, listenerId := range listenerIds {
			self.client.RemoveListener(listenerId)
		}
	})
}

// waits until the events received so far are applied
func (self *ClientStore) Sync(ctx context.Context) error {
	return self.client.Sync(ctx)
}

func (self *ClientStore) Map(mapSlug string) (*MapStorage, bool) {
	return self.Maps.Get(mapSlug)
}

func (self *ClientStore) Route(routeKey string) (*RouteWithTrackPoints, bool) {
	return self.Routes.Get(routeKey)
}

func (self *ClientStore) eventListener(name string, handler storeEventHandler) EventFunction {
	return func(event *Event) {
		if err := handler(self, event); err != nil {
			glog.Infof("[st]%s drop %s = %s\n", self.client.clientId, name, err)
			self.client.Metrics().DroppedEvents.WithLabelValues(name).Inc()
		}
	}
}

// outbound calls

// containers exist as soon as the subscribe call is issued
func (self *ClientStore) onIssue(call *PendingCall) {
	switch call.Name {
	case "subscribeToMap":
		var key MapSlugWithPassword
		if err := decodeCallArgs(call, &key); err == nil {
			self.trackMap(key.MapSlug)
		}
	case "createMapAndSubscribe":
		var data MapData
		if err := decodeCallArgs(call, &data); err != nil {
			return
		}
		if adminLink := data.AdminLink(); adminLink != nil {
			self.trackMap(adminLink.Slug)
		}
	case "subscribeToRoute":
		var routeKey string
		var params RouteParams
		if err := decodeCallArgs(call, &routeKey, &params); err != nil {
			return
		}
		self.containerLock.Lock()
		defer self.containerLock.Unlock()
		if !self.Routes.Has(routeKey) {
			self.Routes.Set(routeKey, &RouteWithTrackPoints{
				Route:       Route{RouteParams: params},
				RouteKey:    routeKey,
				TrackPoints: NewTrackPoints(),
			})
		}
	}
}

func (self *ClientStore) onEmit(event *Event) {
	call := event.Call
	if call == nil {
		return
	}
	switch call.Name {
	case "subscribeToMap":
		var key MapSlugWithPassword
		options := MapSubscriptionOptions{}
		if err := decodeCallArgs(call, &key, &options); err != nil {
			return
		}
		self.startReconcile(key.MapSlug, options, call)
	case "createMapAndSubscribe":
		var data MapData
		options := MapSubscriptionOptions{}
		if err := decodeCallArgs(call, &data, &options); err != nil {
			return
		}
		if adminLink := data.AdminLink(); adminLink != nil {
			self.startReconcile(adminLink.Slug, options, call)
		}
	case "unsubscribeFromMap":
		var key MapSlugWithPassword
		if err := decodeCallArgs(call, &key); err == nil {
			self.removeMap(key.MapSlug)
		}
	case "subscribeToRoute":
		var routeKey string
		var params RouteParams
		if err := decodeCallArgs(call, &routeKey, &params); err != nil {
			return
		}
		self.trackRoute(routeKey, params)
	case "unsubscribeFromRoute":
		var routeKey string
		if err := decodeCallArgs(call, &routeKey); err == nil {
			self.removeRoute(routeKey)
		}
	case "setBbox":
		var bbox BboxWithZoom
		if err := decodeCallArgs(call, &bbox); err != nil {
			return
		}
		self.setBbox(bbox, call)
	}
}

func (self *ClientStore) onUnsubscribe(event *Event) {
	var kind string
	var key string
	if err := event.DecodeArgs(&kind, &key); err != nil {
		return
	}
	switch kind {
	case ResourceKindMap:
		self.removeMap(key)
	case ResourceKindRoute:
		self.removeRoute(key)
	}
}

func decodeCallArgs(call *PendingCall, targets ...any) error {
	return (&Event{Name: call.Name, Args: call.encodedArgs}).DecodeArgs(targets...)
}

func (self *ClientStore) trackMap(mapSlug string) *MapStorage {
	self.containerLock.Lock()
	defer self.containerLock.Unlock()
	if storage, ok := self.Maps.Get(mapSlug); ok {
		return storage
	}
	storage := newMapStorage(self.client.Provider())
	self.Maps.Set(mapSlug, storage)
	return storage
}

func (self *ClientStore) removeMap(mapSlug string) {
	self.containerLock.Lock()
	defer self.containerLock.Unlock()
	storage, ok := self.Maps.Get(mapSlug)
	if !ok {
		return
	}
	delete(self.reconcilers, storage)
	if self.zoomChange != nil {
		delete(self.zoomChange.confirmed, storage)
	}
	self.Maps.Delete(mapSlug)
	self.log("removed map %s", mapSlug)
}

func (self *ClientStore) trackRoute(routeKey string, params RouteParams) {
	self.containerLock.Lock()
	defer self.containerLock.Unlock()
	route, ok := self.Routes.Get(routeKey)
	if !ok {
		self.Routes.Set(routeKey, &RouteWithTrackPoints{
			Route:       Route{RouteParams: params},
			RouteKey:    routeKey,
			TrackPoints: NewTrackPoints(),
		})
		return
	}
	next := *route
	next.RouteParams = params
	self.Routes.Set(routeKey, &next)
}

func (self *ClientStore) removeRoute(routeKey string) {
	self.containerLock.Lock()
	defer self.containerLock.Unlock()
	if self.Routes.Delete(routeKey) {
		self.log("removed route %s", routeKey)
	}
}

// viewport

func (self *ClientStore) setBbox(bbox BboxWithZoom, call *PendingCall) {
	previous := self.Bbox.Get()
	self.Bbox.Set(&bbox)

	for _, storage := range self.Maps.Snapshot() {
		for markerId, marker := range storage.Markers.Snapshot() {
			if !bbox.Contains(marker.Point()) {
				storage.Markers.Delete(markerId)
			}
		}
	}

	if previous != nil && previous.Zoom == bbox.Zoom {
		return
	}

	// the server resends the line points for the new zoom level.
	// lines it does not resend no longer have valid points
	recorder := newLinePointsRecorder()
	self.zoomChange = recorder
	call.OnSettled(func(call *PendingCall) {
		if self.zoomChange != recorder {
			return
		}
		self.zoomChange = nil
		if call.Err() != nil {
			return
		}
		self.resetUnconfirmedLinePoints(recorder)
	})
}

// markers

func (self *ClientStore) inBbox(point Point) bool {
	bbox := self.Bbox.Get()
	return bbox == nil || bbox.Contains(point)
}

func (self *ClientStore) handleMarker(event *Event) error {
	var mapSlug string
	var marker Marker
	if err := event.DecodeArgs(&mapSlug, &marker); err != nil {
		return err
	}
	storage, ok := self.Maps.Get(mapSlug)
	if !ok {
		return nil
	}
	self.record(storage, MapPickMarkers, marker.Id)
	if !self.inBbox(marker.Point()) {
		// the server stops updating markers outside the viewport
		storage.Markers.Delete(marker.Id)
		return nil
	}
	storage.Markers.Set(marker.Id, &marker)
	return nil
}

func (self *ClientStore) handleDeleteMarker(event *Event) error {
	var mapSlug string
	var objectId ObjectId
	if err := event.DecodeArgs(&mapSlug, &objectId); err != nil {
		return err
	}
	if storage, ok := self.Maps.Get(mapSlug); ok {
		storage.Markers.Delete(objectId.Id)
	}
	return nil
}

// lines

func (self *ClientStore) handleLine(event *Event) error {
	var mapSlug string
	var line Line
	if err := event.DecodeArgs(&mapSlug, &line); err != nil {
		return err
	}
	storage, ok := self.Maps.Get(mapSlug)
	if !ok {
		return nil
	}
	self.record(storage, MapPickLines, line.Id)

	next := &LineWithTrackPoints{
		Line: line,
	}
	if existing, ok := storage.Lines.Get(line.Id); ok {
		next.TrackPoints = existing.TrackPoints
	} else {
		next.TrackPoints = NewTrackPoints()
	}
	storage.Lines.Set(line.Id, next)
	return nil
}

func (self *ClientStore) handleDeleteLine(event *Event) error {
	var mapSlug string
	var objectId ObjectId
	if err := event.DecodeArgs(&mapSlug, &objectId); err != nil {
		return err
	}
	if storage, ok := self.Maps.Get(mapSlug); ok {
		storage.Lines.Delete(objectId.Id)
	}
	return nil
}

func (self *ClientStore) handleLinePoints(event *Event) error {
	var mapSlug string
	var linePoints LinePointsEvent
	if err := event.DecodeArgs(&mapSlug, &linePoints); err != nil {
		return err
	}
	storage, ok := self.Maps.Get(mapSlug)
	if !ok {
		return nil
	}
	line, ok := storage.Lines.Get(linePoints.LineId)
	if !ok {
		// e.g. the line was deleted before its points arrived
		return fmt.Errorf("unknown line %d", linePoints.LineId)
	}
	if self.zoomChange != nil {
		self.zoomChange.confirm(storage, linePoints.LineId)
	}
	next := *line
	next.TrackPoints = MergeTrackPoints(line.TrackPoints, linePoints.TrackPoints, linePoints.Reset)
	storage.Lines.Set(linePoints.LineId, &next)
	return nil
}

// types and views

func (self *ClientStore) handleType(event *Event) error {
	var mapSlug string
	var t Type
	if err := event.DecodeArgs(&mapSlug, &t); err != nil {
		return err
	}
	if storage, ok := self.Maps.Get(mapSlug); ok {
		self.record(storage, MapPickTypes, t.Id)
		storage.Types.Set(t.Id, &t)
	}
	return nil
}

func (self *ClientStore) handleDeleteType(event *Event) error {
	var mapSlug string
	var objectId ObjectId
	if err := event.DecodeArgs(&mapSlug, &objectId); err != nil {
		return err
	}
	if storage, ok := self.Maps.Get(mapSlug); ok {
		storage.Types.Delete(objectId.Id)
	}
	return nil
}

func (self *ClientStore) handleView(event *Event) error {
	var mapSlug string
	var view View
	if err := event.DecodeArgs(&mapSlug, &view); err != nil {
		return err
	}
	if storage, ok := self.Maps.Get(mapSlug); ok {
		self.record(storage, MapPickViews, view.Id)
		storage.Views.Set(view.Id, &view)
	}
	return nil
}

func (self *ClientStore) handleDeleteView(event *Event) error {
	var mapSlug string
	var objectId ObjectId
	if err := event.DecodeArgs(&mapSlug, &objectId); err != nil {
		return err
	}
	if storage, ok := self.Maps.Get(mapSlug); ok {
		storage.Views.Delete(objectId.Id)
	}
	return nil
}

func (self *ClientStore) handleHistory(event *Event) error {
	var mapSlug string
	var historyEntry HistoryEntry
	if err := event.DecodeArgs(&mapSlug, &historyEntry); err != nil {
		return err
	}
	if storage, ok := self.Maps.Get(mapSlug); ok {
		self.record(storage, MapPickHistory, historyEntry.Id)
		storage.History.Set(historyEntry.Id, &historyEntry)
	}
	return nil
}

// map data

func (self *ClientStore) handleMapData(event *Event) error {
	var mapSlug string
	var mapData MapData
	if err := event.DecodeArgs(&mapSlug, &mapData); err != nil {
		return err
	}
	storage, ok := self.Maps.Get(mapSlug)
	if !ok {
		return nil
	}
	storage.MapData.Set(&mapData)

	if mapData.ActiveLink != nil && mapData.ActiveLink.Slug != "" && mapData.ActiveLink.Slug != mapSlug {
		// the slug of the link this client uses changed
		self.containerLock.Lock()
		self.Maps.Delete(mapSlug)
		self.Maps.Set(mapData.ActiveLink.Slug, storage)
		self.containerLock.Unlock()
		self.log("map %s -> %s", mapSlug, mapData.ActiveLink.Slug)
	}
	return nil
}

func (self *ClientStore) handleDeleteMap(event *Event) error {
	var mapSlug string
	if err := event.DecodeArgs(&mapSlug); err != nil {
		return err
	}
	self.removeMap(mapSlug)
	return nil
}

// routes

func (self *ClientStore) handleRoute(event *Event) error {
	var routeKey string
	var route Route
	if err := event.DecodeArgs(&routeKey, &route); err != nil {
		return err
	}
	existing, ok := self.Routes.Get(routeKey)
	if !ok {
		return nil
	}
	self.Routes.Set(routeKey, &RouteWithTrackPoints{
		Route:       route,
		RouteKey:    routeKey,
		TrackPoints: existing.TrackPoints,
	})
	return nil
}

func (self *ClientStore) handleRoutePoints(event *Event) error {
	var routeKey string
	var routePoints RoutePointsEvent
	if err := event.DecodeArgs(&routeKey, &routePoints); err != nil {
		return err
	}
	existing, ok := self.Routes.Get(routeKey)
	if !ok {
		return fmt.Errorf("unknown route %s", routeKey)
	}
	next := *existing
	next.TrackPoints = MergeTrackPoints(existing.TrackPoints, routePoints.TrackPoints, routePoints.Reset)
	self.Routes.Set(routeKey, &next)
	return nil
}
