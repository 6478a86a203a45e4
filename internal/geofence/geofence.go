package geofence

import (
	"math"
	"sync"
)

// DefaultRadiusMeters applies when a site has no radius configured.
const DefaultRadiusMeters = 100

// MinBufferMeters is the smallest GPS tolerance added on top of a site radius.
const MinBufferMeters = 10

const earthRadiusMeters = 6371008.8

// Site is an assigned work location.
type Site struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Radius returns the configured radius or the default when unset.
func (s Site) Radius() float64 {
	if s.RadiusMeters <= 0 {
		return DefaultRadiusMeters
	}
	return s.RadiusMeters
}

// Fix is one location sample from the device.
type Fix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Available bool    `json:"available"`
}

// Result is the outcome of evaluating a fix against a site.
type Result struct {
	DistanceMeters float64 `json:"distance_meters"`
	BufferMeters   float64 `json:"buffer_meters"`
	AdjustedRadius float64 `json:"adjusted_radius"`
	InRange        bool    `json:"in_range"`
	Available      bool    `json:"available"`
}

// Distance returns the great-circle distance in meters between two coordinates.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Buffer is 10% of the radius, rounded, but never less than 10 meters.
func Buffer(radius float64) float64 {
	return math.Max(MinBufferMeters, math.Round(radius*0.10))
}

// InRange reports whether distance falls inside radius plus its buffer.
// The boundary is inclusive.
func InRange(distance, radius float64) bool {
	return distance <= radius+Buffer(radius)
}

// Evaluate checks a fix against a site. A nil or unavailable fix is never in range.
func Evaluate(fix *Fix, site Site) Result {
	radius := site.Radius()
	buffer := Buffer(radius)
	res := Result{BufferMeters: buffer, AdjustedRadius: radius + buffer}
	if fix == nil || !fix.Available {
		return res
	}
	res.Available = true
	res.DistanceMeters = Distance(fix.Latitude, fix.Longitude, site.Latitude, site.Longitude)
	res.InRange = res.DistanceMeters <= res.AdjustedRadius
	return res
}

// State is the latest geofence view of a session.
type State struct {
	LastKnown      *Fix    `json:"last_known,omitempty"`
	DistanceMeters float64 `json:"distance_meters"`
	InRange        bool    `json:"in_range"`
	BufferMeters   float64 `json:"buffer_meters"`
	Available      bool    `json:"available"`
}

// Tracker keeps the geofence state for one site and is safe for concurrent use.
type Tracker struct {
	site  Site
	mu    sync.RWMutex
	state State
}

// NewTracker creates a tracker. A warm-start fix may be passed to seed LastKnown;
// it is not evaluated until Update is called.
func NewTracker(site Site, warm *Fix) *Tracker {
	t := &Tracker{site: site}
	t.state.BufferMeters = Buffer(site.Radius())
	if warm != nil {
		f := *warm
		t.state.LastKnown = &f
	}
	return t
}

// Site returns the tracked site.
func (t *Tracker) Site() Site { return t.site }

// Update re-evaluates the geofence for a new fix and returns the new state and
// whether the in-range flag changed.
func (t *Tracker) Update(fix Fix) (State, bool) {
	res := Evaluate(&fix, t.site)

	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.state.InRange != res.InRange
	if fix.Available {
		f := fix
		t.state.LastKnown = &f
	}
	t.state.DistanceMeters = res.DistanceMeters
	t.state.InRange = res.InRange
	t.state.BufferMeters = res.BufferMeters
	t.state.Available = res.Available
	return t.state, changed
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.state
	if s.LastKnown != nil {
		f := *s.LastKnown
		s.LastKnown = &f
	}
	return s
}
