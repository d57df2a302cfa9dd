// Package models holds the typed representation of Airly API v2 payloads.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	maxLatitude   = 90.0
	maxLongitude  = 180.0
	earthRadiusKM = 6371.0
)

// ErrOutOfBounds is returned when a coordinate or radius falls outside the valid range.
var ErrOutOfBounds = errors.New("value out of bounds")

// GeoPoint is a location on the Earth in decimal degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewGeoPoint returns a GeoPoint after checking |lat| <= 90 and |lng| <= 180.
func NewGeoPoint(lat, lng float64) (GeoPoint, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.Abs(lat) > maxLatitude || math.Abs(lng) > maxLongitude {
		return GeoPoint{}, fmt.Errorf("%w: expected lat within +/-%v and lng within +/-%v, got lat=%v lng=%v",
			ErrOutOfBounds, maxLatitude, maxLongitude, lat, lng)
	}
	return GeoPoint{Latitude: lat, Longitude: lng}, nil
}

// GeoCircle is the search area used by the nearest endpoints.
type GeoCircle struct {
	Point    GeoPoint `json:"point"`
	RadiusKM float64  `json:"radiusKm"`
}

// NewGeoCircle returns a GeoCircle whose radius is non-negative and below the Earth radius.
func NewGeoCircle(point GeoPoint, radiusKM float64) (GeoCircle, error) {
	if math.IsNaN(radiusKM) || radiusKM < 0 || radiusKM >= earthRadiusKM {
		return GeoCircle{}, fmt.Errorf("%w: expected radius in [0, %v) km, got %v", ErrOutOfBounds, earthRadiusKM, radiusKM)
	}
	return GeoCircle{Point: point, RadiusKM: radiusKM}, nil
}

type Address struct {
	Country         string `json:"country"`
	City            string `json:"city"`
	Street          string `json:"street"`
	Number          string `json:"number"`
	DisplayAddress1 string `json:"displayAddress1,omitempty"`
	DisplayAddress2 string `json:"displayAddress2,omitempty"`
}

type Sponsor struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Logo        string `json:"logo,omitempty"`
	Link        string `json:"link,omitempty"`
}

// Installation is a single sensor deployment registered with Airly.
type Installation struct {
	ID        int      `json:"id"`
	Location  GeoPoint `json:"location"`
	Address   Address  `json:"address"`
	Elevation float64  `json:"elevation"`
	Airly     bool     `json:"airly"`
	Sponsor   Sponsor  `json:"sponsor"`
}

// Value is one raw measurement, e.g. PM25 or TEMPERATURE.
type Value struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Index is a computed air quality index. Value is nil when the installation
// has no data to compute it from.
type Index struct {
	Name        string   `json:"name"`
	Value       *float64 `json:"value"`
	Level       string   `json:"level"`
	Description string   `json:"description,omitempty"`
	Advice      string   `json:"advice,omitempty"`
	Color       string   `json:"color,omitempty"`
}

// Standard is a pollutant limit together with the measured percent of that limit.
type Standard struct {
	Name      string  `json:"name"`
	Pollutant string  `json:"pollutant"`
	Limit     float64 `json:"limit"`
	Percent   float64 `json:"percent"`
	Averaging string  `json:"averaging,omitempty"`
}

// AveragedValues covers one time period. FromDateTime is inclusive, TillDateTime exclusive, both UTC.
type AveragedValues struct {
	FromDateTime time.Time  `json:"fromDateTime"`
	TillDateTime time.Time  `json:"tillDateTime"`
	Values       []Value    `json:"values"`
	Indexes      []Index    `json:"indexes"`
	Standards    []Standard `json:"standards"`
}

// Value returns the measurement with the given name.
func (a AveragedValues) Value(name string) (float64, bool) {
	for _, v := range a.Values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// Index returns the index with the given name.
func (a AveragedValues) Index(name string) (Index, bool) {
	for _, idx := range a.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Measurements is the payload of every /measurements endpoint.
// FetchedAt and Stale are set by this service, not by Airly.
type Measurements struct {
	Current   AveragedValues   `json:"current"`
	History   []AveragedValues `json:"history"`
	Forecast  []AveragedValues `json:"forecast"`
	FetchedAt time.Time        `json:"fetchedAt"`
	Stale     bool             `json:"stale,omitempty"`
}

type IndexType struct {
	Name   string       `json:"name"`
	Levels []IndexLevel `json:"levels"`
}

type IndexLevel struct {
	MinValue    *float64 `json:"minValue"`
	MaxValue    *float64 `json:"maxValue"`
	Values      string   `json:"values"`
	Level       string   `json:"level"`
	Description string   `json:"description"`
	Color       string   `json:"color"`
}

// UnmarshalJSON accepts "mixValue" as an alias of "maxValue"; older clients sent that spelling.
func (l *IndexLevel) UnmarshalJSON(data []byte) error {
	type plain IndexLevel
	var aux struct {
		plain
		MixValue *float64 `json:"mixValue"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*l = IndexLevel(aux.plain)
	if l.MaxValue == nil {
		l.MaxValue = aux.MixValue
	}
	return nil
}

type MeasurementType struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Unit  string `json:"unit"`
}

// Index type names accepted by the measurements endpoints.
const (
	IndexAirlyCAQI = "AIRLY_CAQI"
	IndexCAQI      = "CAQI"
	IndexPIJP      = "PIJP"
	IndexUSAQI     = "US_AQI"
	IndexGIOS      = "GIOS"
)

// KnownIndexTypes lists every index type name in the order Airly documents them.
var KnownIndexTypes = []string{IndexAirlyCAQI, IndexCAQI, IndexPIJP, IndexUSAQI, IndexGIOS}
