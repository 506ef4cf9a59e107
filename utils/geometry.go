package utils

import (
	"encoding/json"
	"fmt"

	geo "github.com/nci/geometry"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// WGS84 is the CRS geometries are expressed in unless stated otherwise.
const WGS84 = "EPSG:4326"

// Geometry is a polygonal footprint. A MultiPolygon and the dissolve of
// several footprints are both represented as a list of polygons; a point is
// covered when it lies inside any of them.
type Geometry struct {
	Polygons orb.MultiPolygon
	CRS      string
	wkt      string
}

// ParseGeoJSON decodes a GeoJSON Feature or bare geometry. Only Polygon and
// MultiPolygon geometries describe a footprint.
func ParseGeoJSON(raw []byte) (*Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("Problem unmarshalling GeoJSON object: %v", err)
	}
	if head.Type != "Feature" {
		raw = []byte(fmt.Sprintf(`{"type":"Feature","properties":{},"geometry":%s}`, raw))
	}

	var feat geo.Feature
	if err := json.Unmarshal(raw, &feat); err != nil {
		return nil, fmt.Errorf("Problem unmarshalling GeoJSON object: %v", err)
	}
	if feat.Geometry == nil {
		return nil, fmt.Errorf("GeoJSON feature has no geometry")
	}

	switch feat.Geometry.(type) {
	case *geo.Polygon, *geo.MultiPolygon:
	default:
		return nil, fmt.Errorf("Geometry not supported. Only Polygon or MultiPolygon are available")
	}

	geomJSON, err := json.Marshal(feat.Geometry)
	if err != nil {
		return nil, fmt.Errorf("Problem marshaling GeoJSON geometry: %v", err)
	}
	var body struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(geomJSON, &body); err != nil {
		return nil, err
	}

	g := &Geometry{CRS: WGS84, wkt: feat.Geometry.MarshalWKT()}
	switch body.Type {
	case "Polygon":
		var poly orb.Polygon
		if err := json.Unmarshal(body.Coordinates, &poly); err != nil {
			return nil, fmt.Errorf("invalid polygon coordinates: %v", err)
		}
		g.Polygons = orb.MultiPolygon{poly}
	case "MultiPolygon":
		if err := json.Unmarshal(body.Coordinates, &g.Polygons); err != nil {
			return nil, fmt.Errorf("invalid multipolygon coordinates: %v", err)
		}
	default:
		return nil, fmt.Errorf("Geometry not supported: %s", body.Type)
	}
	return g, nil
}

// BBoxGeometry returns the rectangle xMin, yMin, xMax, yMax in crs.
func BBoxGeometry(bbox []float64, crs string) *Geometry {
	b := orb.Bound{Min: orb.Point{bbox[0], bbox[1]}, Max: orb.Point{bbox[2], bbox[3]}}
	return &Geometry{Polygons: orb.MultiPolygon{b.ToPolygon()}, CRS: crs}
}

// BBox2WKT renders a bounding box as a WKT polygon.
func BBox2WKT(bbox []float64) string {
	// BBox xMin, yMin, xMax, yMax
	return fmt.Sprintf("POLYGON ((%f %f, %f %f, %f %f, %f %f, %f %f))", bbox[0], bbox[1], bbox[2], bbox[1], bbox[2], bbox[3], bbox[0], bbox[3], bbox[0], bbox[1])
}

// WKT returns the WKT of the original GeoJSON input, or a synthesised
// MULTIPOLYGON for geometries built in code.
func (g *Geometry) WKT() string {
	if g == nil {
		return "POLYGON EMPTY"
	}
	if len(g.wkt) > 0 {
		return g.wkt
	}
	out := "MULTIPOLYGON ("
	for ip, poly := range g.Polygons {
		if ip > 0 {
			out += ", "
		}
		out += "("
		for ir, ring := range poly {
			if ir > 0 {
				out += ", "
			}
			out += "("
			for iv, v := range ring {
				if iv > 0 {
					out += ", "
				}
				out += fmt.Sprintf("%f %f", v[0], v[1])
			}
			out += ")"
		}
		out += ")"
	}
	return out + ")"
}

// Union dissolves footprints into one. It returns nil when any input is nil,
// since an unknown footprint may cover anything.
func Union(geoms ...*Geometry) *Geometry {
	if len(geoms) == 0 {
		return nil
	}
	out := &Geometry{CRS: geoms[0].crs()}
	for _, g := range geoms {
		if g == nil {
			return nil
		}
		if !SameCRS(g.crs(), out.CRS) {
			return nil
		}
		out.Polygons = append(out.Polygons, g.Polygons...)
	}
	return out
}

func (g *Geometry) crs() string {
	if g == nil || len(g.CRS) == 0 {
		return WGS84
	}
	return g.CRS
}

// Reproject returns the geometry expressed in dstCRS.
func (g *Geometry) Reproject(dstCRS string) (*Geometry, error) {
	if SameCRS(g.crs(), dstCRS) {
		return g, nil
	}
	trans, err := NewTransform(g.crs(), dstCRS)
	if err != nil {
		return nil, err
	}
	polys := project.MultiPolygon(g.Polygons.Clone(), func(p orb.Point) orb.Point {
		x, y := trans(p[0], p[1])
		return orb.Point{x, y}
	})
	return &Geometry{CRS: dstCRS, Polygons: polys}, nil
}

// Contains reports whether (x, y) lies inside the footprint and outside
// its holes.
func (g *Geometry) Contains(x, y float64) bool {
	return planar.MultiPolygonContains(g.Polygons, orb.Point{x, y})
}

// Area is the planar area in squared CRS units: outer rings minus holes.
// Overlapping polygons are counted once each.
func (g *Geometry) Area() float64 {
	if g == nil {
		return 0
	}
	return planar.Area(g.Polygons)
}
