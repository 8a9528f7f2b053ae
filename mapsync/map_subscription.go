package mapsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"golang.org/x/exp/slices"
)

const ResourceKindMap = "map"

type MapPick string

const (
	MapPickMapData              MapPick = "mapData"
	MapPickTypes                MapPick = "types"
	MapPickViews                MapPick = "views"
	MapPickMarkers              MapPick = "markers"
	MapPickLines                MapPick = "lines"
	MapPickLinesWithTrackPoints MapPick = "linesWithTrackPoints"
	MapPickLinePoints           MapPick = "linePoints"
	MapPickHistory              MapPick = "history"
)

func DefaultMapPick() []MapPick {
	return []MapPick{
		MapPickMapData,
		MapPickTypes,
		MapPickViews,
		MapPickMarkers,
		MapPickLinesWithTrackPoints,
	}
}

func ParseMapPick(s string) ([]MapPick, error) {
	pick := []MapPick{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := MapPick(part)
		switch p {
		case MapPickMapData, MapPickTypes, MapPickViews, MapPickMarkers, MapPickLines,
			MapPickLinesWithTrackPoints, MapPickLinePoints, MapPickHistory:
			pick = append(pick, p)
		default:
			return nil, fmt.Errorf("Unknown pick: %s", part)
		}
	}
	return pick, nil
}

type MapSubscriptionOptions struct {
	Pick []MapPick `json:"pick,omitempty"`
}

// the pick set of the options, with the default pick when unset
func (self MapSubscriptionOptions) EffectivePick() []MapPick {
	if self.Pick == nil {
		return DefaultMapPick()
	}
	return slices.Clone(self.Pick)
}

// the address a client uses for a map: the link slug, optionally qualified with the link password
type MapSlugWithPassword struct {
	MapSlug     string
	Password    string
	HasPassword bool
}

func (self MapSlugWithPassword) String() string {
	return self.MapSlug
}

func (self MapSlugWithPassword) MarshalJSON() ([]byte, error) {
	if !self.HasPassword {
		return json.Marshal(self.MapSlug)
	}
	return json.Marshal(map[string]string{
		"mapSlug":  self.MapSlug,
		"password": self.Password,
	})
}

func (self *MapSlugWithPassword) UnmarshalJSON(b []byte) error {
	var mapSlug string
	if err := json.Unmarshal(b, &mapSlug); err == nil {
		*self = MapSlugWithPassword{MapSlug: mapSlug}
		return nil
	}
	var qualified struct {
		MapSlug  string `json:"mapSlug"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(b, &qualified); err != nil {
		return err
	}
	*self = MapSlugWithPassword{
		MapSlug:     qualified.MapSlug,
		Password:    qualified.Password,
		HasPassword: true,
	}
	return nil
}

type pendingPasswordKey struct {
	subscriptionId string
	linkId         ID
}

const pendingPasswordTtl = 5 * time.Minute

// passwords set by an `updateMap` call that the server has not confirmed yet.
// shared by all subscriptions
var pendingPasswords = expiremap.NewEx[pendingPasswordKey, LinkPassword](pendingPasswordTtl, pendingPasswordTtl)

type MapSubscription struct {
	*Subscription

	keyLock sync.Mutex
	key     MapSlugWithPassword
	options MapSubscriptionOptions
	// create the map on the first subscribe
	createData *MapData

	subscriptionId string
	// pending link ids in `pendingPasswords`
	pendingLinkIds map[ID]bool
}

func NewMapSubscription(client *Client, key MapSlugWithPassword, options MapSubscriptionOptions) *MapSubscription {
	mapSubscription := newMapSubscription(client, key, options, nil)
	mapSubscription.start()
	return mapSubscription
}

// subscribes to a map that is created by the first subscribe call.
// the resource key is the slug of the admin link of `data`
func NewCreateMapSubscription(client *Client, data *MapData, options MapSubscriptionOptions) (*MapSubscription, error) {
	adminLink := data.AdminLink()
	if adminLink == nil || adminLink.Slug == "" {
		return nil, fmt.Errorf("Map data requires an admin link.")
	}
	mapSubscription := newMapSubscription(client, MapSlugWithPassword{MapSlug: adminLink.Slug}, options, data)
	mapSubscription.start()
	return mapSubscription, nil
}

func newMapSubscription(client *Client, key MapSlugWithPassword, options MapSubscriptionOptions, createData *MapData) *MapSubscription {
	mapSubscription := &MapSubscription{
		key:            key,
		options:        options,
		createData:     createData,
		subscriptionId: NewCallId(),
		pendingLinkIds: map[ID]bool{},
	}
	mapSubscription.Subscription = newSubscription(client, mapSubscription, fmt.Sprintf("map(%s)", key.MapSlug))
	return mapSubscription
}

func (self *MapSubscription) start() {
	self.client.Post(func() {
		self.addListener(EventEmit, self.onEmit)
		self.addListener("mapData", self.onMapData)
		self.addListener("deleteMap", self.onDeleteMap)
		self.addListener("cancelMapSubscription", self.onCancel)
	})
	self.Subscription.start()
}

func (self *MapSubscription) Key() MapSlugWithPassword {
	self.keyLock.Lock()
	defer self.keyLock.Unlock()
	return self.key
}

func (self *MapSubscription) MapSlug() string {
	return self.Key().MapSlug
}

func (self *MapSubscription) Options() MapSubscriptionOptions {
	self.keyLock.Lock()
	defer self.keyLock.Unlock()
	return self.options
}

// changes the options and re-issues the subscribe call
func (self *MapSubscription) SetOptions(options MapSubscriptionOptions) {
	self.keyLock.Lock()
	self.options = options
	self.keyLock.Unlock()
	self.resubscribe()
}

// subscriptionResource implementation

func (self *MapSubscription) startSubscribe() *PendingCall {
	self.keyLock.Lock()
	key := self.key
	options := self.options
	createData := self.createData
	self.keyLock.Unlock()

	if createData != nil {
		call := self.client.CallAsync("createMapAndSubscribe", createData, options)
		call.OnSettled(func(call *PendingCall) {
			if call.Err() == nil {
				self.keyLock.Lock()
				self.createData = nil
				self.keyLock.Unlock()
			}
		})
		return call
	}
	return self.client.CallAsync("subscribeToMap", key, options)
}

func (self *MapSubscription) startUnsubscribe() *PendingCall {
	return self.client.CallAsync("unsubscribeFromMap", self.Key())
}

func (self *MapSubscription) release(state SubscriptionState) {
	self.keyLock.Lock()
	for linkId := range self.pendingLinkIds {
		pendingPasswords.Delete(pendingPasswordKey{
			subscriptionId: self.subscriptionId,
			linkId:         linkId,
		})
	}
	self.pendingLinkIds = map[ID]bool{}
	self.keyLock.Unlock()

	if state.Type == SubscriptionStateUnsubscribed {
		if args, err := EncodeArgs(ResourceKindMap, self.MapSlug()); err == nil {
			self.client.Emitter().Emit(&Event{
				Name: EventUnsubscribe,
				Args: args,
			})
		}
	}
}

// remembers password changes to links of this map before the call is sent,
// since the server may report the new slug before the call resolves
func (self *MapSubscription) onEmit(event *Event) {
	call := event.Call
	if call == nil || call.Name != "updateMap" || len(call.encodedArgs) < 2 {
		return
	}
	var key MapSlugWithPassword
	if err := json.Unmarshal(call.encodedArgs[0], &key); err != nil || key.MapSlug != self.MapSlug() {
		return
	}
	var update MapDataUpdate
	if err := json.Unmarshal(call.encodedArgs[1], &update); err != nil {
		return
	}
	for _, link := range update.Links {
		if link.Id != 0 && link.Password.Changes() {
			self.log("pending password change for link %d", link.Id)
			pendingPasswords.Set(pendingPasswordKey{
				subscriptionId: self.subscriptionId,
				linkId:         link.Id,
			}, link.Password)
			self.keyLock.Lock()
			self.pendingLinkIds[link.Id] = true
			self.keyLock.Unlock()
		}
	}
}

func (self *MapSubscription) onMapData(event *Event) {
	var mapSlug string
	var mapData MapData
	if err := event.DecodeArgs(&mapSlug, &mapData); err != nil {
		return
	}
	key := self.Key()
	if mapSlug != key.MapSlug || mapData.ActiveLink == nil {
		return
	}
	activeLink := mapData.ActiveLink

	nextKey := key
	pending, ok := pendingPasswords.LoadAndDelete(pendingPasswordKey{
		subscriptionId: self.subscriptionId,
		linkId:         activeLink.Id,
	})
	self.keyLock.Lock()
	delete(self.pendingLinkIds, activeLink.Id)
	self.keyLock.Unlock()
	if ok {
		// the active link's password was just changed by this client
		nextKey = MapSlugWithPassword{
			MapSlug:     activeLink.Slug,
			Password:    pending.Value,
			HasPassword: pending.Value != "",
		}
	} else if activeLink.Slug != key.MapSlug {
		nextKey.MapSlug = activeLink.Slug
	}

	if nextKey != key {
		self.log("map slug %s -> %s (password=%t)", key.MapSlug, nextKey.MapSlug, nextKey.HasPassword)
		self.keyLock.Lock()
		self.key = nextKey
		self.keyLock.Unlock()
	}
}

func (self *MapSubscription) onDeleteMap(event *Event) {
	var mapSlug string
	if err := event.DecodeArgs(&mapSlug); err != nil || mapSlug != self.MapSlug() {
		return
	}
	self.Fail(ErrMapDeleted)
}

func (self *MapSubscription) onCancel(event *Event) {
	var mapSlug string
	var wireError WireError
	if err := event.DecodeArgs(&mapSlug, &wireError); err != nil || mapSlug != self.MapSlug() {
		return
	}
	self.Fail(newRemoteError(&wireError, nil))
}

func mapCall[R any](ctx context.Context, self *MapSubscription, name string, args ...any) (R, error) {
	return CallResult[R](ctx, self.client, name, append([]any{self.Key()}, args...)...)
}

func (self *MapSubscription) mapCallStream(ctx context.Context, name string, args ...any) (*Stream, error) {
	return self.client.CallStream(ctx, name, append([]any{self.Key()}, args...)...)
}

func (self *MapSubscription) GetMap(ctx context.Context) (*MapData, error) {
	return mapCall[*MapData](ctx, self, "getMap")
}

func (self *MapSubscription) UpdateMap(ctx context.Context, update *MapDataUpdate) (*MapData, error) {
	return mapCall[*MapData](ctx, self, "updateMap", update)
}

func (self *MapSubscription) DeleteMap(ctx context.Context) error {
	_, err := mapCall[json.RawMessage](ctx, self, "deleteMap")
	return err
}

func (self *MapSubscription) GetMarker(ctx context.Context, markerId ID) (*Marker, error) {
	return mapCall[*Marker](ctx, self, "getMarker", markerId)
}

func (self *MapSubscription) CreateMarker(ctx context.Context, marker *Marker) (*Marker, error) {
	return mapCall[*Marker](ctx, self, "createMarker", marker)
}

func (self *MapSubscription) UpdateMarker(ctx context.Context, markerId ID, marker *Marker) (*Marker, error) {
	return mapCall[*Marker](ctx, self, "updateMarker", markerId, marker)
}

func (self *MapSubscription) DeleteMarker(ctx context.Context, markerId ID) (*Marker, error) {
	return mapCall[*Marker](ctx, self, "deleteMarker", markerId)
}

func (self *MapSubscription) GetLine(ctx context.Context, lineId ID) (*Line, error) {
	return mapCall[*Line](ctx, self, "getLine", lineId)
}

func (self *MapSubscription) GetLinePoints(ctx context.Context, lineId ID) ([]TrackPoint, error) {
	return mapCall[[]TrackPoint](ctx, self, "getLinePoints", lineId)
}

func (self *MapSubscription) CreateLine(ctx context.Context, line *Line) (*Line, error) {
	return mapCall[*Line](ctx, self, "createLine", line)
}

func (self *MapSubscription) UpdateLine(ctx context.Context, lineId ID, line *Line) (*Line, error) {
	return mapCall[*Line](ctx, self, "updateLine", lineId, line)
}

func (self *MapSubscription) DeleteLine(ctx context.Context, lineId ID) (*Line, error) {
	return mapCall[*Line](ctx, self, "deleteLine", lineId)
}

// `format` is one of "gpx-trk", "gpx-rte", "geojson"
func (self *MapSubscription) ExportLine(ctx context.Context, lineId ID, format string) (*Stream, error) {
	return self.mapCallStream(ctx, "exportLine", lineId, format)
}

func (self *MapSubscription) CreateType(ctx context.Context, t *Type) (*Type, error) {
	return mapCall[*Type](ctx, self, "createType", t)
}

func (self *MapSubscription) UpdateType(ctx context.Context, typeId ID, t *Type) (*Type, error) {
	return mapCall[*Type](ctx, self, "updateType", typeId, t)
}

func (self *MapSubscription) DeleteType(ctx context.Context, typeId ID) (*Type, error) {
	return mapCall[*Type](ctx, self, "deleteType", typeId)
}

func (self *MapSubscription) CreateView(ctx context.Context, view *View) (*View, error) {
	return mapCall[*View](ctx, self, "createView", view)
}

func (self *MapSubscription) UpdateView(ctx context.Context, viewId ID, view *View) (*View, error) {
	return mapCall[*View](ctx, self, "updateView", viewId, view)
}

func (self *MapSubscription) DeleteView(ctx context.Context, viewId ID) (*View, error) {
	return mapCall[*View](ctx, self, "deleteView", viewId)
}

// a stream of `HistoryEntry`
func (self *MapSubscription) GetHistory(ctx context.Context) (*Stream, error) {
	return self.mapCallStream(ctx, "getHistory")
}

func (self *MapSubscription) RevertHistoryEntry(ctx context.Context, historyEntryId ID) error {
	_, err := mapCall[json.RawMessage](ctx, self, "revertHistoryEntry", historyEntryId)
	return err
}

// a stream of geojson text chunks
func (self *MapSubscription) ExportMapAsGeoJson(ctx context.Context) (*Stream, error) {
	return self.mapCallStream(ctx, "exportMapAsGeoJson")
}

// a stream of gpx text chunks
func (self *MapSubscription) ExportMapAsGpx(ctx context.Context) (*Stream, error) {
	return self.mapCallStream(ctx, "exportMapAsGpx")
}
