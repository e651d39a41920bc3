// Package geo converts between canvas coordinates (x, y, z in pixels, y
// growing south) and geographic coordinates (lat, lon, alt) using a
// transverse-Mercator projection on the WGS84 ellipsoid.
package geo

import (
	"fmt"
	"math"
)

// WGS84 ellipsoid constants.
const (
	wgs84A = 6378137.0
	wgs84F = 1.0 / 298.257223563
	scaleK = 0.9996 // central-meridian scale factor
)

var (
	e2  = wgs84F * (2 - wgs84F) // first eccentricity squared
	ep2 = e2 / (1 - e2)         // second eccentricity squared
	e1  = (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))
)

// Point is a geographic position.
type Point struct {
	Lat float64
	Lon float64
	Alt float64
}

// Converter maps canvas points to geographic points around a reference.
// The reference geographic point sits at canvas origin; Scale is meters per
// 100 pixels. The projection zone is selected from the reference longitude.
type Converter struct {
	RefX, RefY float64 // canvas coordinates of the reference point
	Ref        Point
	Scale      float64

	zone        int
	refEasting  float64
	refNorthing float64
}

// NewConverter builds a converter for a reference point and scale. Scale
// must be positive.
func NewConverter(refX, refY float64, ref Point, scale float64) (*Converter, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("geo: scale must be positive, got %g", scale)
	}
	if ref.Lat < -90 || ref.Lat > 90 || ref.Lon < -180 || ref.Lon > 180 {
		return nil, fmt.Errorf("geo: reference point out of range: %+v", ref)
	}
	c := &Converter{RefX: refX, RefY: refY, Ref: ref, Scale: scale}
	c.zone = ZoneForLongitude(ref.Lon)
	c.refEasting, c.refNorthing = project(ref.Lat, ref.Lon, c.zone)
	return c, nil
}

// Zone returns the projection zone selected from the reference longitude.
func (c *Converter) Zone() int { return c.zone }

// metersPerPixel returns the canvas resolution.
func (c *Converter) metersPerPixel() float64 { return c.Scale / 100.0 }

// ToGeo converts a canvas position to geographic coordinates.
func (c *Converter) ToGeo(x, y, z float64) Point {
	m := c.metersPerPixel()
	easting := c.refEasting + (x-c.RefX)*m
	northing := c.refNorthing - (y-c.RefY)*m
	lat, lon := unproject(easting, northing, c.zone)
	return Point{
		Lat: lat,
		Lon: lon,
		Alt: c.Ref.Alt - z*m,
	}
}

// ToCanvas converts a geographic position to canvas coordinates.
func (c *Converter) ToCanvas(p Point) (x, y, z float64) {
	m := c.metersPerPixel()
	easting, northing := project(p.Lat, p.Lon, c.zone)
	x = c.RefX + (easting-c.refEasting)/m
	y = c.RefY - (northing-c.refNorthing)/m
	z = (c.Ref.Alt - p.Alt) / m
	return x, y, z
}

// CrossesZone reports whether the point falls outside the converter's
// projection zone. Points more than about 3 degrees from the central
// meridian lose precision.
func (c *Converter) CrossesZone(p Point) bool {
	return ZoneForLongitude(p.Lon) != c.zone
}

// ZoneForLongitude returns the 6-degree projection zone for a longitude.
func ZoneForLongitude(lon float64) int {
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone < 1 {
		zone = 1
	}
	if zone > 60 {
		zone = 60
	}
	return zone
}

// centralMeridian returns the zone's central meridian in radians.
func centralMeridian(zone int) float64 {
	return float64(zone*6-183) * math.Pi / 180
}

// project converts lat/lon in degrees to easting/northing meters in the
// given zone.
func project(latDeg, lonDeg float64, zone int) (easting, northing float64) {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	lon0 := centralMeridian(zone)

	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)
	tanLat := math.Tan(lat)

	n := wgs84A / math.Sqrt(1-e2*sinLat*sinLat)
	t := tanLat * tanLat
	cc := ep2 * cosLat * cosLat
	a := (lon - lon0) * cosLat

	m := meridionalArc(lat)

	easting = scaleK*n*(a+(1-t+cc)*a*a*a/6+
		(5-18*t+t*t+72*cc-58*ep2)*math.Pow(a, 5)/120) + 500000

	northing = scaleK * (m + n*tanLat*(a*a/2+
		(5-t+9*cc+4*cc*cc)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*cc-330*ep2)*math.Pow(a, 6)/720))
	return easting, northing
}

// unproject converts easting/northing meters in the given zone back to
// lat/lon degrees. No false northing is applied: southern latitudes carry
// negative northings, which keeps the inverse single-valued.
func unproject(easting, northing float64, zone int) (latDeg, lonDeg float64) {
	x := easting - 500000

	m := northing / scaleK
	mu := m / (wgs84A * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))

	// Footpoint latitude.
	phi1 := mu +
		(3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sinPhi1 := math.Sin(phi1)
	cosPhi1 := math.Cos(phi1)
	tanPhi1 := math.Tan(phi1)

	c1 := ep2 * cosPhi1 * cosPhi1
	t1 := tanPhi1 * tanPhi1
	n1 := wgs84A / math.Sqrt(1-e2*sinPhi1*sinPhi1)
	r1 := wgs84A * (1 - e2) / math.Pow(1-e2*sinPhi1*sinPhi1, 1.5)
	d := x / (n1 * scaleK)

	lat := phi1 - (n1*tanPhi1/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)

	lon := centralMeridian(zone) + (d-
		(1+2*t1+c1)*math.Pow(d, 3)/6+
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120)/cosPhi1

	latDeg = lat * 180 / math.Pi
	lonDeg = lon * 180 / math.Pi
	return latDeg, lonDeg
}

// meridionalArc returns the meridian distance from the equator to lat
// (radians) on the WGS84 ellipsoid.
func meridionalArc(lat float64) float64 {
	return wgs84A * ((1-e2/4-3*e2*e2/64-5*e2*e2*e2/256)*lat -
		(3*e2/8+3*e2*e2/32+45*e2*e2*e2/1024)*math.Sin(2*lat) +
		(15*e2*e2/256+45*e2*e2*e2/1024)*math.Sin(4*lat) -
		(35*e2*e2*e2/3072)*math.Sin(6*lat))
}
