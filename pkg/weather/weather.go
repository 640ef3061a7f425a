// Package weather delivers weather-station telemetry to consumers through
// a callback interface. Two sources implement it: an MQTT subscriber for a
// live station bus and an in-process feed for tests and embedding.
package weather

import (
	"math"
	"sync"
)

// Telemetry samples. Fields ending in Avg are rolling averages computed
// upstream by the station; consumers should prefer them when present.
// A missing average is reported with a sentinel (see Valid).

// Conditions carries the slow ambient measurements.
type Conditions struct {
	// Temperature is the ambient air temperature (C).
	Temperature float64 `json:"temperature"`
	// Humidity is the relative humidity (%).
	Humidity float64 `json:"humidity"`
	// Pressure is the barometric pressure (Pa).
	Pressure float64 `json:"pressure"`
}

// Wind carries the wind speed (m/s).
type Wind struct {
	Speed float64 `json:"speed"`
	// Avg2M is the 2 minute rolling average.
	Avg2M float64 `json:"avg_2m"`
}

// Direction carries the wind direction (degrees, 0 north).
type Direction struct {
	Direction float64 `json:"direction"`
	// Avg2M is the 2 minute rolling average.
	Avg2M float64 `json:"avg_2m"`
}

// DewPoint carries the dew point temperature (C).
type DewPoint struct {
	DewPoint float64 `json:"dew_point"`
	// Avg1M is the 1 minute rolling average.
	Avg1M float64 `json:"avg_1m"`
}

// Precipitation carries the accumulated precipitation over the last
// minute (mm). Any positive amount means it is raining.
type Precipitation struct {
	PrSum1M float64 `json:"pr_sum_1m"`
}

// SnowDepth carries the measured snow depth (mm). Any positive depth
// means it is snowing or snow is on the ground.
type SnowDepth struct {
	Depth float64 `json:"depth"`
	// Avg1M is the 1 minute rolling average.
	Avg1M float64 `json:"avg_1m"`
}

// Valid reports whether a telemetry field holds a real sample. Stations
// report missing values as NaN or as large negative sentinels.
func Valid(v float64) bool {
	return !math.IsNaN(v) && v > -99
}

// Callbacks holds the per-topic handlers a consumer registers with a
// Source. Nil handlers are skipped.
type Callbacks struct {
	OnConditions    func(Conditions)
	OnWind          func(Wind)
	OnWindDirection func(Direction)
	OnDewPoint      func(DewPoint)
	OnPrecipitation func(Precipitation)
	OnSnowDepth     func(SnowDepth)
}

// Source is a stream of weather telemetry. At most one consumer is
// registered at a time; Unregister stops delivery.
type Source interface {
	Register(cb *Callbacks) error
	Unregister()
}

// Feed is an in-process Source. Telemetry pushed via the Publish methods
// is delivered synchronously to the registered callbacks. Used by tests
// and by embedders that already have the data in hand.
type Feed struct {
	mu sync.Mutex
	cb *Callbacks
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Register installs the consumer callbacks.
func (f *Feed) Register(cb *Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	return nil
}

// Unregister removes the consumer callbacks.
func (f *Feed) Unregister() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = nil
}

func (f *Feed) callbacks() *Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

// PublishConditions delivers one Conditions sample.
func (f *Feed) PublishConditions(c Conditions) {
	if cb := f.callbacks(); cb != nil && cb.OnConditions != nil {
		cb.OnConditions(c)
	}
}

// PublishWind delivers one Wind sample.
func (f *Feed) PublishWind(w Wind) {
	if cb := f.callbacks(); cb != nil && cb.OnWind != nil {
		cb.OnWind(w)
	}
}

// PublishWindDirection delivers one Direction sample.
func (f *Feed) PublishWindDirection(d Direction) {
	if cb := f.callbacks(); cb != nil && cb.OnWindDirection != nil {
		cb.OnWindDirection(d)
	}
}

// PublishDewPoint delivers one DewPoint sample.
func (f *Feed) PublishDewPoint(d DewPoint) {
	if cb := f.callbacks(); cb != nil && cb.OnDewPoint != nil {
		cb.OnDewPoint(d)
	}
}

// PublishPrecipitation delivers one Precipitation sample.
func (f *Feed) PublishPrecipitation(p Precipitation) {
	if cb := f.callbacks(); cb != nil && cb.OnPrecipitation != nil {
		cb.OnPrecipitation(p)
	}
}

// PublishSnowDepth delivers one SnowDepth sample.
func (f *Feed) PublishSnowDepth(s SnowDepth) {
	if cb := f.callbacks(); cb != nil && cb.OnSnowDepth != nil {
		cb.OnSnowDepth(s)
	}
}
