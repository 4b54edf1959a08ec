// Package presence derives "is this user online/nearby" signals from tab
// sessions and last known locations.
package presence

import (
	"math"
	"time"
)

const (
	// EarthRadiusKM is the great-circle Earth radius used by Distance.
	EarthRadiusKM = 6371.0

	// DefaultOnlineWindow is the trailing window in which a tab-session or
	// location update counts as "online".
	DefaultOnlineWindow = 5 * time.Minute

	// DefaultNearbyRadiusKM bounds the "nearby users" search.
	DefaultNearbyRadiusKM = 10.0
)

// Distance returns the great-circle distance in kilometers between two
// coordinates using the haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlng/2)*math.Sin(dlng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKM * c
}

// Online reports whether a user counts as online at "now".
//
// The two signals are independent and combined as a union: a recent active
// tab session OR a recent location update is enough.
func Online(lastTabActivity, lastLocationUpdate *time.Time, now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	cut := now.Add(-window)

	if lastTabActivity != nil && lastTabActivity.After(cut) {
		return true
	}
	if lastLocationUpdate != nil && lastLocationUpdate.After(cut) {
		return true
	}
	return false
}

// Nearby reports whether two coordinates fall within radiusKM of each other.
func Nearby(lat1, lng1, lat2, lng2, radiusKM float64) bool {
	if radiusKM <= 0 {
		radiusKM = DefaultNearbyRadiusKM
	}
	return Distance(lat1, lng1, lat2, lng2) <= radiusKM
}
