package mapsync

import (
	json "github.com/goccy/go-json"
)

type ID = int64

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type MapPermissions struct {
	Read   bool `json:"read"`
	Update bool `json:"update"`
	Admin  bool `json:"admin"`
}

// a link password is `true` (keep the current password, or in map data: the link
// has a password), `false` (no password) or the new password.
// the zero value keeps the current password
type LinkPassword struct {
	// replaces the current password with `Value`. an empty value removes it
	Change bool
	Value  string
}

func NewLinkPassword(password string) LinkPassword {
	return LinkPassword{Change: true, Value: password}
}

func NoLinkPassword() LinkPassword {
	return LinkPassword{Change: true}
}

func (self LinkPassword) MarshalJSON() ([]byte, error) {
	if !self.Change {
		return []byte("true"), nil
	}
	if self.Value == "" {
		return []byte("false"), nil
	}
	return json.Marshal(self.Value)
}

func (self *LinkPassword) UnmarshalJSON(b []byte) error {
	var keep bool
	if err := json.Unmarshal(b, &keep); err == nil {
		*self = LinkPassword{Change: !keep}
		return nil
	}
	var value string
	if err := json.Unmarshal(b, &value); err != nil {
		return err
	}
	*self = LinkPassword{Change: true, Value: value}
	return nil
}

// true if this value replaces or removes the password
func (self LinkPassword) Changes() bool {
	return self.Change
}

// in map data, whether the link is protected by a password
func (self LinkPassword) Protected() bool {
	return !self.Change || self.Value != ""
}

type MapLink struct {
	Id            ID             `json:"id,omitempty"`
	Slug          string         `json:"slug"`
	Comment       string         `json:"comment,omitempty"`
	Password      LinkPassword   `json:"password"`
	Permissions   MapPermissions `json:"permissions"`
	SearchEngines bool           `json:"searchEngines,omitempty"`
}

type MapData struct {
	Id             ID        `json:"id,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	SearchEngines  bool      `json:"searchEngines,omitempty"`
	ClusterMarkers bool      `json:"clusterMarkers,omitempty"`
	LegendText     string    `json:"legend1,omitempty"`
	DefaultViewId  *ID       `json:"defaultViewId,omitempty"`
	Links          []MapLink `json:"links,omitempty"`
	ActiveLink     *MapLink  `json:"activeLink,omitempty"`
}

// the link created with admin permissions
func (self *MapData) AdminLink() *MapLink {
	for i := range self.Links {
		if self.Links[i].Permissions.Admin {
			return &self.Links[i]
		}
	}
	return nil
}

type MapDataUpdate struct {
	Name           *string   `json:"name,omitempty"`
	Description    *string   `json:"description,omitempty"`
	SearchEngines  *bool     `json:"searchEngines,omitempty"`
	ClusterMarkers *bool     `json:"clusterMarkers,omitempty"`
	LegendText     *string   `json:"legend1,omitempty"`
	DefaultViewId  *ID       `json:"defaultViewId,omitempty"`
	Links          []MapLink `json:"links,omitempty"`
}

type Marker struct {
	Id     ID                `json:"id"`
	Lat    float64           `json:"lat"`
	Lon    float64           `json:"lon"`
	Ele    *float64          `json:"ele,omitempty"`
	Name   string            `json:"name"`
	Colour string            `json:"colour,omitempty"`
	Size   int               `json:"size,omitempty"`
	Icon   string            `json:"icon,omitempty"`
	Shape  string            `json:"shape,omitempty"`
	TypeId ID                `json:"typeId"`
	Data   map[string]string `json:"data,omitempty"`
}

func (self *Marker) Point() Point {
	return Point{Lat: self.Lat, Lon: self.Lon}
}

type Extent struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

type Line struct {
	Id          ID                `json:"id"`
	RoutePoints []Point           `json:"routePoints"`
	Mode        string            `json:"mode,omitempty"`
	Name        string            `json:"name"`
	Colour      string            `json:"colour,omitempty"`
	Width       int               `json:"width,omitempty"`
	Stroke      string            `json:"stroke,omitempty"`
	Distance    float64           `json:"distance,omitempty"`
	Time        *float64          `json:"time,omitempty"`
	Ascent      *float64          `json:"ascent,omitempty"`
	Descent     *float64          `json:"descent,omitempty"`
	TypeId      ID                `json:"typeId"`
	Data        map[string]string `json:"data,omitempty"`
	Extent
}

// a line as the local store holds it
type LineWithTrackPoints struct {
	Line
	TrackPoints *TrackPoints
}

type TypeField struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Default string          `json:"default,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

type Type struct {
	Id   ID     `json:"id"`
	Name string `json:"name"`
	// "marker" or "line"
	Type   string      `json:"type"`
	Idx    int         `json:"idx,omitempty"`
	Fields []TypeField `json:"fields,omitempty"`
}

type View struct {
	Id        ID       `json:"id"`
	Name      string   `json:"name"`
	BaseLayer string   `json:"baseLayer"`
	Layers    []string `json:"layers,omitempty"`
	Filter    string   `json:"filter,omitempty"`
	Idx       int      `json:"idx,omitempty"`
	Extent
}

type HistoryEntry struct {
	Id           ID              `json:"id"`
	Time         string          `json:"time"`
	Type         string          `json:"type"`
	Action       string          `json:"action"`
	ObjectId     ID              `json:"objectId,omitempty"`
	ObjectBefore json.RawMessage `json:"objectBefore,omitempty"`
	ObjectAfter  json.RawMessage `json:"objectAfter,omitempty"`
}

// the payload of delete events
type ObjectId struct {
	Id ID `json:"id"`
}

type RouteParams struct {
	RoutePoints []Point `json:"routePoints"`
	Mode        string  `json:"mode"`
}

type Route struct {
	RouteParams
	Distance float64  `json:"distance"`
	Time     *float64 `json:"time,omitempty"`
	Ascent   *float64 `json:"ascent,omitempty"`
	Descent  *float64 `json:"descent,omitempty"`
	Extent
}

// a route as the local store holds it
type RouteWithTrackPoints struct {
	Route
	RouteKey    string
	TrackPoints *TrackPoints
}

type LinePointsEvent struct {
	LineId      ID           `json:"lineId"`
	TrackPoints []TrackPoint `json:"trackPoints"`
	Reset       bool         `json:"reset"`
}

type RoutePointsEvent struct {
	TrackPoints []TrackPoint `json:"trackPoints"`
	Reset       bool         `json:"reset"`
}
