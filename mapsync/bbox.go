package mapsync

import (
	"github.com/paulmach/orb"
)

type Bbox struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

type BboxWithZoom struct {
	Bbox
	Zoom int `json:"zoom"`
}

func (self Bbox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{self.Left, self.Bottom},
		Max: orb.Point{self.Right, self.Top},
	}
}

// a box with `Left` greater than `Right` crosses the antimeridian
func (self Bbox) Contains(point Point) bool {
	if self.Left <= self.Right {
		return self.Bound().Contains(orb.Point{point.Lon, point.Lat})
	}
	if point.Lat < self.Bottom || self.Top < point.Lat {
		return false
	}
	return self.Left <= point.Lon || point.Lon <= self.Right
}
