package mapsync

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/exp/slices"
)

// the markers and lines currently held for the map, as a feature collection.
// lines use their track points when loaded, otherwise their route points
func (self *MapStorage) GeoJSON() *geojson.FeatureCollection {
	featureCollection := geojson.NewFeatureCollection()

	markers := self.Markers.Snapshot()
	for _, markerId := range sortedIds(markers) {
		marker := markers[markerId]
		feature := geojson.NewFeature(orb.Point{marker.Lon, marker.Lat})
		feature.ID = marker.Id
		feature.Properties["type"] = "marker"
		feature.Properties["name"] = marker.Name
		feature.Properties["typeId"] = marker.TypeId
		if marker.Colour != "" {
			feature.Properties["colour"] = marker.Colour
		}
		for key, value := range marker.Data {
			feature.Properties["data."+key] = value
		}
		featureCollection.Append(feature)
	}

	lines := self.Lines.Snapshot()
	for _, lineId := range sortedIds(lines) {
		line := lines[lineId]
		lineString := orb.LineString{}
		if trackPoints := line.TrackPoints.Ordered(); 0 < len(trackPoints) {
			for _, trackPoint := range trackPoints {
				lineString = append(lineString, orb.Point{trackPoint.Lon, trackPoint.Lat})
			}
		} else {
			for _, point := range line.RoutePoints {
				lineString = append(lineString, orb.Point{point.Lon, point.Lat})
			}
		}
		feature := geojson.NewFeature(lineString)
		feature.ID = line.Id
		feature.Properties["type"] = "line"
		feature.Properties["name"] = line.Name
		feature.Properties["typeId"] = line.TypeId
		if line.Mode != "" {
			feature.Properties["mode"] = line.Mode
		}
		if line.Colour != "" {
			feature.Properties["colour"] = line.Colour
		}
		for key, value := range line.Data {
			feature.Properties["data."+key] = value
		}
		featureCollection.Append(feature)
	}

	return featureCollection
}

func sortedIds[V any](values map[ID]V) []ID {
	ids := make([]ID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
