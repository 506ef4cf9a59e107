package utils

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

var ErrUnsupportedCRS = errors.New("unsupported CRS")

const (
	wgs84A = 6378137.0
	wgs84F = 1 / 298.257223563
	utmK0  = 0.9996
)

// ExtractEPSGCode parses an SRS string such as "EPSG:3857" and returns
// the EPSG code. "OGC:CRS84" and "CRS84" are treated as EPSG:4326.
func ExtractEPSGCode(srs string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(srs))
	switch s {
	case "CRS84", "OGC:CRS84", "WGS84":
		return 4326, nil
	}
	if !strings.HasPrefix(s, "EPSG:") {
		return -1, fmt.Errorf("%w: %q", ErrUnsupportedCRS, srs)
	}
	code, err := strconv.Atoi(s[5:])
	if err != nil {
		return -1, fmt.Errorf("%w: %q", ErrUnsupportedCRS, srs)
	}
	return code, nil
}

// SameCRS reports whether two SRS strings name the same EPSG code.
func SameCRS(a, b string) bool {
	ca, errA := ExtractEPSGCode(a)
	cb, errB := ExtractEPSGCode(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return ca == cb
}

// Transform maps a coordinate pair from one CRS into another.
type Transform func(x, y float64) (float64, float64)

// NewTransform returns a Transform between two CRSs. Geographic input may be
// projected to Web Mercator or any WGS84 UTM zone; Web Mercator may also be
// unprojected back to geographic coordinates.
func NewTransform(srcCRS, dstCRS string) (Transform, error) {
	src, err := ExtractEPSGCode(srcCRS)
	if err != nil {
		return nil, err
	}
	dst, err := ExtractEPSGCode(dstCRS)
	if err != nil {
		return nil, err
	}
	if src == dst {
		return func(x, y float64) (float64, float64) { return x, y }, nil
	}

	var toLonLat Transform
	switch src {
	case 4326:
		toLonLat = func(x, y float64) (float64, float64) { return x, y }
	case 3857:
		toLonLat = mercatorInverse
	default:
		return nil, fmt.Errorf("%w: cannot transform from EPSG:%d", ErrUnsupportedCRS, src)
	}

	var fromLonLat Transform
	switch {
	case dst == 4326:
		fromLonLat = func(x, y float64) (float64, float64) { return x, y }
	case dst == 3857:
		fromLonLat = mercatorForward
	case dst > 32600 && dst <= 32660:
		fromLonLat = utmForward(dst-32600, false)
	case dst > 32700 && dst <= 32760:
		fromLonLat = utmForward(dst-32700, true)
	default:
		return nil, fmt.Errorf("%w: cannot transform to EPSG:%d", ErrUnsupportedCRS, dst)
	}

	return func(x, y float64) (float64, float64) {
		lon, lat := toLonLat(x, y)
		return fromLonLat(lon, lat)
	}, nil
}

func mercatorForward(lon, lat float64) (float64, float64) {
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p[0], p[1]
}

func mercatorInverse(x, y float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

// utmForward follows Snyder's transverse Mercator series.
func utmForward(zone int, south bool) Transform {
	e2 := wgs84F * (2 - wgs84F)
	e4 := e2 * e2
	e6 := e4 * e2
	ep2 := e2 / (1 - e2)
	lon0 := float64((zone-1)*6-180+3) * math.Pi / 180

	return func(lon, lat float64) (float64, float64) {
		phi := lat * math.Pi / 180
		lam := lon * math.Pi / 180

		sinPhi := math.Sin(phi)
		cosPhi := math.Cos(phi)
		n := wgs84A / math.Sqrt(1-e2*sinPhi*sinPhi)
		t := math.Tan(phi) * math.Tan(phi)
		c := ep2 * cosPhi * cosPhi
		a := cosPhi * (lam - lon0)

		m := wgs84A * ((1-e2/4-3*e4/64-5*e6/256)*phi -
			(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
			(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
			(35*e6/3072)*math.Sin(6*phi))

		x := utmK0*n*(a+(1-t+c)*math.Pow(a, 3)/6+
			(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120) + 500000
		y := utmK0 * (m + n*math.Tan(phi)*(a*a/2+
			(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
			(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
		if south {
			y += 10000000
		}
		return x, y
	}
}
