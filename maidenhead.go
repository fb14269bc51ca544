package main

import (
	"fmt"
	"math"
	"strings"
)

// locatorPair describes one character pair of a Maidenhead locator: the
// allowed range and the size of one step in degrees of longitude (latitude
// steps are half of that).
type locatorPair struct {
	lo, hi byte
	lonStep float64
	name    string
}

var locatorPairs = []locatorPair{
	{'A', 'R', 20, "field"},
	{'0', '9', 2, "square"},
	{'A', 'X', 2.0 / 24, "subsquare"},
	{'0', '9', 2.0 / 240, "extended square"},
}

// MaidenheadToLatLon returns the centre of a 4, 6 or 8 character locator
func MaidenheadToLatLon(locator string) (lat, lon float64, err error) {
	locator = strings.ToUpper(locator)
	if n := len(locator); n != 4 && n != 6 && n != 8 {
		return 0, 0, fmt.Errorf("invalid Maidenhead locator length: %d (must be 4, 6, or 8)", n)
	}

	var step float64
	for i := 0; i < len(locator); i += 2 {
		p := locatorPairs[i/2]
		a, b := locator[i], locator[i+1]
		if a < p.lo || a > p.hi || b < p.lo || b > p.hi {
			return 0, 0, fmt.Errorf("invalid %s characters (must be %c-%c)", p.name, p.lo, p.hi)
		}
		lon += float64(a-p.lo) * p.lonStep
		lat += float64(b-p.lo) * p.lonStep / 2
		step = p.lonStep
	}

	lon += step/2 - 180
	lat += step/4 - 90
	return lat, lon, nil
}

// CalculateDistanceAndBearing returns the great circle distance in km and
// the initial bearing in degrees between two points
func CalculateDistanceAndBearing(lat1, lon1, lat2, lon2 float64) (distanceKm float64, bearingDeg float64) {
	const earthRadiusKm = 6371.0
	const rad = math.Pi / 180

	phi1, phi2 := lat1*rad, lat2*rad
	dPhi := phi2 - phi1
	dLambda := (lon2 - lon1) * rad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	distanceKm = earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	bearingDeg = math.Mod(math.Atan2(y, x)/rad+360, 360)

	return distanceKm, bearingDeg
}

// CalculateDistanceAndBearingFromLocators calculates distance and bearing between two Maidenhead locators
func CalculateDistanceAndBearingFromLocators(locator1, locator2 string) (distanceKm float64, bearingDeg float64, err error) {
	lat1, lon1, err := MaidenheadToLatLon(locator1)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid locator1: %w", err)
	}
	lat2, lon2, err := MaidenheadToLatLon(locator2)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid locator2: %w", err)
	}

	distanceKm, bearingDeg = CalculateDistanceAndBearing(lat1, lon1, lat2, lon2)
	return distanceKm, bearingDeg, nil
}

// IsValidMaidenheadLocator checks if a string is a valid Maidenhead locator
func IsValidMaidenheadLocator(locator string) bool {
	_, _, err := MaidenheadToLatLon(locator)
	return err == nil
}
