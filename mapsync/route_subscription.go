package mapsync

import (
	"context"
	"fmt"
	"sync"
)

const ResourceKindRoute = "route"

// a calculated route that is kept up to date by the server, keyed by a client chosen route key
type RouteSubscription struct {
	*Subscription

	routeKey string

	paramsLock sync.Mutex
	params     RouteParams
}

func NewRouteSubscription(client *Client, routeKey string, params RouteParams) *RouteSubscription {
	routeSubscription := &RouteSubscription{
		routeKey: routeKey,
		params:   params,
	}
	routeSubscription.Subscription = newSubscription(client, routeSubscription, fmt.Sprintf("route(%s)", routeKey))
	client.Post(func() {
		routeSubscription.addListener("cancelRouteSubscription", routeSubscription.onCancel)
	})
	routeSubscription.start()
	return routeSubscription
}

func (self *RouteSubscription) RouteKey() string {
	return self.routeKey
}

func (self *RouteSubscription) Params() RouteParams {
	self.paramsLock.Lock()
	defer self.paramsLock.Unlock()
	return self.params
}

// recalculates the route with new points or mode
func (self *RouteSubscription) SetParams(params RouteParams) {
	self.paramsLock.Lock()
	self.params = params
	self.paramsLock.Unlock()
	self.resubscribe()
}

// a stream of gpx text chunks. `format` is "gpx-trk" or "gpx-rte"
func (self *RouteSubscription) ExportRoute(ctx context.Context, format string) (*Stream, error) {
	return self.client.CallStream(ctx, "exportRoute", self.routeKey, format)
}

func (self *RouteSubscription) startSubscribe() *PendingCall {
	return self.client.CallAsync("subscribeToRoute", self.routeKey, self.Params())
}

func (self *RouteSubscription) startUnsubscribe() *PendingCall {
	return self.client.CallAsync("unsubscribeFromRoute", self.routeKey)
}

func (self *RouteSubscription) release(state SubscriptionState) {
	if state.Type == SubscriptionStateUnsubscribed {
		if args, err := EncodeArgs(ResourceKindRoute, self.routeKey); err == nil {
			self.client.Emitter().Emit(&Event{
				Name: EventUnsubscribe,
				Args: args,
			})
		}
	}
}

func (self *RouteSubscription) onCancel(event *Event) {
	var routeKey string
	var wireError WireError
	if err := event.DecodeArgs(&routeKey, &wireError); err != nil || routeKey != self.routeKey {
		return
	}
	self.Fail(newRemoteError(&wireError, nil))
}

