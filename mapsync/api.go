package mapsync

import (
	"context"
)

// a search result of `Find`
type SearchResult struct {
	Id          string   `json:"id,omitempty"`
	Short       string   `json:"short_name,omitempty"`
	Display     string   `json:"display_name"`
	Type        string   `json:"type,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	Zoom        *int     `json:"zoom,omitempty"`
	BoundingBox *Bbox    `json:"boundingbox,omitempty"`
}

// sets the viewport of this client. the server sends markers and line points for the
// new viewport to every subscribed map
func (self *Client) SetBbox(ctx context.Context, bbox BboxWithZoom) error {
	_, err := self.Call(ctx, "setBbox", bbox)
	return err
}

// reads map data without subscribing
func (self *Client) GetMap(ctx context.Context, mapSlug MapSlugWithPassword) (*MapData, error) {
	return CallResult[*MapData](ctx, self, "getMap", mapSlug)
}

// creates a map without subscribing to it
func (self *Client) CreateMap(ctx context.Context, data *MapData) (*MapData, error) {
	return CallResult[*MapData](ctx, self, "createMap", data)
}

func (self *Client) Find(ctx context.Context, query string) ([]SearchResult, error) {
	return CallResult[[]SearchResult](ctx, self, "find", query)
}

type routeResult struct {
	Route
	TrackPoints []TrackPoint `json:"trackPoints"`
}

// calculates a route without subscribing to it
func (self *Client) GetRoute(ctx context.Context, params RouteParams) (*RouteWithTrackPoints, error) {
	route, err := CallResult[*routeResult](ctx, self, "getRoute", params)
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, nil
	}
	return &RouteWithTrackPoints{
		Route:       route.Route,
		TrackPoints: MergeTrackPoints(nil, route.TrackPoints, true),
	}, nil
}
