package mapsync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func subscribeTestMap(ctx context.Context, t *testing.T, server *testServer, mapSlug string, pick []MapPick) *MapSubscription {
	mapSubscription := NewMapSubscription(server.client, MapSlugWithPassword{MapSlug: mapSlug}, MapSubscriptionOptions{Pick: pick})
	server.reply(server.expectCall("subscribeToMap"), nil, nil)
	err := mapSubscription.WaitSubscribed(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateSubscribed)
	return mapSubscription
}

func TestMapSubscriptionSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	mapSubscription := NewMapSubscription(
		server.client,
		MapSlugWithPassword{MapSlug: "abc"},
		MapSubscriptionOptions{Pick: []MapPick{MapPickMapData, MapPickMarkers}},
	)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateSubscribing)

	frame := server.expectCall("subscribeToMap")
	var key MapSlugWithPassword
	var options MapSubscriptionOptions
	err := decodeFrameArgs(frame, &key, &options)
	assert.Equal(t, err, nil)
	assert.Equal(t, key, MapSlugWithPassword{MapSlug: "abc"})
	assert.Equal(t, options.Pick, []MapPick{MapPickMapData, MapPickMarkers})

	server.reply(frame, nil, nil)
	err = mapSubscription.WaitSubscribed(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateSubscribed)
}

func TestMapSubscriptionFailureStaysSubscribing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	mapSubscription := NewMapSubscription(server.client, MapSlugWithPassword{MapSlug: "abc"}, MapSubscriptionOptions{})
	server.reply(server.expectCall("subscribeToMap"), nil, errors.New("Map not found."))

	err := mapSubscription.WaitSubscribed(ctx)
	var remoteErr *RemoteError
	assert.Equal(t, errors.As(err, &remoteErr), true)
	assert.Equal(t, remoteErr.Message, "Map not found.")
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateSubscribing)

	// retried with new options
	mapSubscription.SetOptions(MapSubscriptionOptions{Pick: []MapPick{MapPickMapData}})
	server.reply(server.expectCall("subscribeToMap"), nil, nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateSubscribed)
}

func TestSubscriptionResubscribeOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	mapSubscription := subscribeTestMap(ctx, t, server, "abc", nil)

	server.disconnect()
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateDisconnected)
	server.expectNoCall()

	server.connect()
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateSubscribing)
	server.reply(server.expectCall("subscribeToMap"), nil, nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateSubscribed)
}

func TestUnsubscribeIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	mapSubscription := subscribeTestMap(ctx, t, server, "abc", nil)

	server.disconnect()

	// the server already dropped the subscription
	err := mapSubscription.Unsubscribe(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateUnsubscribed)

	server.connect()
	server.expectNoCall()
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateUnsubscribed)

	server.disconnect()
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateUnsubscribed)
}

func TestUnsubscribeDuringResubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	mapSubscription := subscribeTestMap(ctx, t, server, "abc", nil)

	server.disconnect()
	server.connect()
	resubscribe := server.expectCall("subscribeToMap")

	unsubscribeErrs := make(chan error, 1)
	go func() {
		unsubscribeErrs <- mapSubscription.Unsubscribe(ctx)
	}()
	unsubscribe := server.expectCall("unsubscribeFromMap")
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateUnsubscribed)

	// the in flight resubscribe resolves after the unsubscribe
	server.reply(resubscribe, nil, nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateUnsubscribed)

	server.reply(unsubscribe, nil, nil)
	assert.Equal(t, waitTimeout(t, unsubscribeErrs), nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateUnsubscribed)
}

func TestUnsubscribeResolvesWaitSubscribed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(ctx, t)

	mapSubscription := NewMapSubscription(server.client, MapSlugWithPassword{MapSlug: "abc"}, MapSubscriptionOptions{})
	unsubscribeErrs := make(chan error, 1)
	go func() {
		unsubscribeErrs <- mapSubscription.Unsubscribe(ctx)
	}()
	err := mapSubscription.WaitSubscribed(ctx)
	assert.Equal(t, err, ErrUnsubscribed)

	// both calls were queued while disconnected
	server.connect()
	subscribe := server.expectCall("subscribeToMap")
	unsubscribe := server.expectCall("unsubscribeFromMap")
	server.reply(subscribe, nil, nil)
	server.reply(unsubscribe, nil, nil)
	assert.Equal(t, waitTimeout(t, unsubscribeErrs), nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateUnsubscribed)
}

func TestCancelMapSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	abc := subscribeTestMap(ctx, t, server, "abc", nil)
	def := subscribeTestMap(ctx, t, server, "def", nil)

	server.event("cancelMapSubscription", "abc", &WireError{Name: "ForbiddenError", Message: "Access revoked."})

	state := abc.State().Get()
	assert.Equal(t, state.Type, SubscriptionStateFatalError)
	var remoteErr *RemoteError
	assert.Equal(t, errors.As(state.Err, &remoteErr), true)
	assert.Equal(t, remoteErr.Name, "ForbiddenError")

	assert.Equal(t, def.State().Get().Type, SubscriptionStateSubscribed)

	// terminal
	server.disconnect()
	server.connect()
	server.reply(server.expectCall("subscribeToMap"), nil, nil)
	server.expectNoCall()
	assert.Equal(t, abc.State().Get().Type, SubscriptionStateFatalError)
	assert.Equal(t, def.State().Get().Type, SubscriptionStateSubscribed)
}

func TestSubscriptionFatalConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	mapSubscription := subscribeTestMap(ctx, t, server, "abc", nil)

	server.disconnect()
	server.transport.ConnectError(errors.New("Gave up."), false)
	server.sync()

	state := mapSubscription.State().Get()
	assert.Equal(t, state.Type, SubscriptionStateFatalError)
	var connectionErr *ConnectionError
	assert.Equal(t, errors.As(state.Err, &connectionErr), true)
}

func TestMapSlugChangeWithPassword(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	mapSubscription := subscribeTestMap(ctx, t, server, "abc", nil)

	updateErrs := make(chan error, 1)
	go func() {
		_, err := mapSubscription.UpdateMap(ctx, &MapDataUpdate{
			Links: []MapLink{
				{
					Id:          5,
					Slug:        "abc2",
					Password:    NewLinkPassword("secret"),
					Permissions: MapPermissions{Read: true, Update: true},
				},
			},
		})
		updateErrs <- err
	}()
	update := server.expectCall("updateMap")

	// the slug change is pushed before the call resolves
	server.event("mapData", "abc", &MapData{
		Name: "Test",
		ActiveLink: &MapLink{
			Id:       5,
			Slug:     "abc2",
		},
	})
	assert.Equal(t, mapSubscription.Key(), MapSlugWithPassword{
		MapSlug:     "abc2",
		Password:    "secret",
		HasPassword: true,
	})

	server.reply(update, &MapData{Name: "Test"}, nil)
	assert.Equal(t, waitTimeout(t, updateErrs), nil)

	// another client renames the link. the password stays
	server.event("mapData", "abc2", &MapData{
		Name: "Test",
		ActiveLink: &MapLink{
			Id:       5,
			Slug:     "abc3",
		},
	})
	assert.Equal(t, mapSubscription.Key(), MapSlugWithPassword{
		MapSlug:     "abc3",
		Password:    "secret",
		HasPassword: true,
	})

	// later calls use the new key
	go mapSubscription.GetMap(ctx)
	frame := server.expectCall("getMap")
	var key MapSlugWithPassword
	err := decodeFrameArgs(frame, &key)
	assert.Equal(t, err, nil)
	assert.Equal(t, key.MapSlug, "abc3")
	assert.Equal(t, key.Password, "secret")
	server.reply(frame, nil, nil)
}

func pendingPasswordFor(mapSubscription *MapSubscription, linkId ID) bool {
	_, ok := pendingPasswords.Load(pendingPasswordKey{
		subscriptionId: mapSubscription.subscriptionId,
		linkId:         linkId,
	})
	return ok
}

func TestPendingPasswordConsumedOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	mapSubscription := subscribeTestMap(ctx, t, server, "abc", nil)

	go mapSubscription.UpdateMap(ctx, &MapDataUpdate{
		Links: []MapLink{
			{Id: 5, Slug: "abc", Password: NewLinkPassword("secret")},
		},
	})
	update := server.expectCall("updateMap")
	assert.Equal(t, pendingPasswordFor(mapSubscription, 5), true)

	server.event("mapData", "abc", &MapData{ActiveLink: &MapLink{Id: 5, Slug: "abc"}})
	assert.Equal(t, mapSubscription.Key(), MapSlugWithPassword{MapSlug: "abc", Password: "secret", HasPassword: true})
	assert.Equal(t, pendingPasswordFor(mapSubscription, 5), false)
	server.reply(update, nil, nil)
}

func TestPendingPasswordsReleasedOnUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	mapSubscription := subscribeTestMap(ctx, t, server, "abc", nil)

	go mapSubscription.UpdateMap(ctx, &MapDataUpdate{
		Links: []MapLink{
			{Id: 5, Slug: "abc", Password: NewLinkPassword("secret")},
			{Id: 6, Slug: "other", Password: NoLinkPassword()},
			// comment only. the password is kept
			{Id: 7, Slug: "third", Comment: "renamed"},
		},
	})
	update := server.expectCall("updateMap")
	assert.Equal(t, pendingPasswordFor(mapSubscription, 5), true)
	assert.Equal(t, pendingPasswordFor(mapSubscription, 6), true)
	assert.Equal(t, pendingPasswordFor(mapSubscription, 7), false)
	server.reply(update, nil, nil)

	unsubscribeErrs := make(chan error, 1)
	go func() {
		unsubscribeErrs <- mapSubscription.Unsubscribe(ctx)
	}()
	server.reply(server.expectCall("unsubscribeFromMap"), nil, nil)
	assert.Equal(t, waitTimeout(t, unsubscribeErrs), nil)

	assert.Equal(t, pendingPasswordFor(mapSubscription, 5), false)
	assert.Equal(t, pendingPasswordFor(mapSubscription, 6), false)
}

func TestMapSlugChangeOtherLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)
	mapSubscription := subscribeTestMap(ctx, t, server, "abc", nil)

	go mapSubscription.UpdateMap(ctx, &MapDataUpdate{
		Links: []MapLink{
			{Id: 6, Slug: "other", Password: NewLinkPassword("secret")},
		},
	})
	update := server.expectCall("updateMap")

	// the active link (5) was renamed without a password change
	server.event("mapData", "abc", &MapData{
		ActiveLink: &MapLink{Id: 5, Slug: "abc2"},
	})
	assert.Equal(t, mapSubscription.Key(), MapSlugWithPassword{MapSlug: "abc2"})
	server.reply(update, nil, nil)
}

func TestMapSlugWithPasswordJson(t *testing.T) {
	b, err := (MapSlugWithPassword{MapSlug: "abc"}).MarshalJSON()
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b), `"abc"`)

	var key MapSlugWithPassword
	err = key.UnmarshalJSON([]byte(`{"mapSlug":"abc","password":"secret"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, key, MapSlugWithPassword{MapSlug: "abc", Password: "secret", HasPassword: true})
}

func TestCreateMapSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	_, err := NewCreateMapSubscription(server.client, &MapData{Name: "No links"}, MapSubscriptionOptions{})
	assert.NotEqual(t, err, nil)

	mapSubscription, err := NewCreateMapSubscription(server.client, &MapData{
		Name: "New",
		Links: []MapLink{
			{Slug: "new-read", Permissions: MapPermissions{Read: true}},
			{Slug: "new-admin", Permissions: MapPermissions{Read: true, Update: true, Admin: true}},
		},
	}, MapSubscriptionOptions{})
	assert.Equal(t, err, nil)
	assert.Equal(t, mapSubscription.MapSlug(), "new-admin")

	server.reply(server.expectCall("createMapAndSubscribe"), nil, nil)
	assert.Equal(t, mapSubscription.State().Get().Type, SubscriptionStateSubscribed)

	// the map exists now
	server.disconnect()
	server.connect()
	frame := server.expectCall("subscribeToMap")
	var key MapSlugWithPassword
	err = decodeFrameArgs(frame, &key)
	assert.Equal(t, err, nil)
	assert.Equal(t, key.MapSlug, "new-admin")
}

func TestRouteSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newConnectedTestServer(ctx, t)

	params := RouteParams{
		RoutePoints: []Point{{Lat: 52.5, Lon: 13.4}, {Lat: 52.6, Lon: 13.5}},
		Mode:        "car",
	}
	routeSubscription := NewRouteSubscription(server.client, "r1", params)
	frame := server.expectCall("subscribeToRoute")
	var routeKey string
	var sentParams RouteParams
	err := decodeFrameArgs(frame, &routeKey, &sentParams)
	assert.Equal(t, err, nil)
	assert.Equal(t, routeKey, "r1")
	assert.Equal(t, sentParams, params)
	server.reply(frame, nil, nil)
	assert.Equal(t, routeSubscription.State().Get().Type, SubscriptionStateSubscribed)

	params.Mode = "bicycle"
	routeSubscription.SetParams(params)
	frame = server.expectCall("subscribeToRoute")
	err = decodeFrameArgs(frame, nil, &sentParams)
	assert.Equal(t, err, nil)
	assert.Equal(t, sentParams.Mode, "bicycle")
	server.reply(frame, nil, nil)

	server.event("cancelRouteSubscription", "r1", &WireError{Message: "No route."})
	assert.Equal(t, routeSubscription.State().Get().Type, SubscriptionStateFatalError)
}
