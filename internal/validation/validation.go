// Package validation parses and checks gateway query parameters.
// Each error maps to a 400 INVALID_* response.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kjstillabower/airly-service/internal/models"
)

// ErrCoordinatesRequired is returned when lat or lng is missing.
var ErrCoordinatesRequired = errors.New("lat and lng are required")

// ErrInvalidCoordinates is returned when lat or lng is not a number or out of range.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// ErrInvalidRadius is returned when maxDistanceKM is not a number or out of range.
var ErrInvalidRadius = errors.New("invalid maxDistanceKM")

// ErrInvalidIndexType is returned for index types Airly does not support.
var ErrInvalidIndexType = errors.New("invalid indexType")

// ErrInvalidInstallationID is returned when an installation ID is missing, non-numeric or not positive.
var ErrInvalidInstallationID = errors.New("invalid installation id")

// ErrInvalidMaxResults is returned when maxResults is non-numeric, not positive, or above the limit.
var ErrInvalidMaxResults = errors.New("invalid maxResults")

// ErrInvalidBool is returned when a boolean flag cannot be parsed.
var ErrInvalidBool = errors.New("invalid boolean")

// ParseGeoPoint parses lat and lng query values into a GeoPoint.
func ParseGeoPoint(lat, lng string) (models.GeoPoint, error) {
	lat, lng = strings.TrimSpace(lat), strings.TrimSpace(lng)
	if lat == "" || lng == "" {
		return models.GeoPoint{}, ErrCoordinatesRequired
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return models.GeoPoint{}, fmt.Errorf("%w: lat %q is not a number", ErrInvalidCoordinates, lat)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return models.GeoPoint{}, fmt.Errorf("%w: lng %q is not a number", ErrInvalidCoordinates, lng)
	}
	p, err := models.NewGeoPoint(la, ln)
	if err != nil {
		return models.GeoPoint{}, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	return p, nil
}

// ParseGeoCircle combines ParseGeoPoint with a radius; an empty radius uses defaultKM.
func ParseGeoCircle(lat, lng, radius string, defaultKM float64) (models.GeoCircle, error) {
	p, err := ParseGeoPoint(lat, lng)
	if err != nil {
		return models.GeoCircle{}, err
	}
	r := defaultKM
	if s := strings.TrimSpace(radius); s != "" {
		r, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return models.GeoCircle{}, fmt.Errorf("%w: %q is not a number", ErrInvalidRadius, s)
		}
	}
	c, err := models.NewGeoCircle(p, r)
	if err != nil {
		return models.GeoCircle{}, fmt.Errorf("%w: %v", ErrInvalidRadius, err)
	}
	return c, nil
}

// ParseIndexType returns the canonical index type name. Empty input yields AIRLY_CAQI.
func ParseIndexType(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return models.IndexAirlyCAQI, nil
	}
	for _, known := range models.KnownIndexTypes {
		if s == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q, expected one of %s", ErrInvalidIndexType, s, strings.Join(models.KnownIndexTypes, ", "))
}

// ParseInstallationID parses a positive installation ID.
func ParseInstallationID(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: installation id is required", ErrInvalidInstallationID)
	}
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInstallationID, s)
	}
	return id, nil
}

// ParseMaxResults parses maxResults; empty input yields def. Values must be in [1, limit]
// (limit <= 0 means unbounded).
func ParseMaxResults(s string, def, limit int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q must be a positive integer", ErrInvalidMaxResults, s)
	}
	if limit > 0 && n > limit {
		return 0, fmt.Errorf("%w: %d exceeds limit %d", ErrInvalidMaxResults, n, limit)
	}
	return n, nil
}

// ParseBool parses an optional boolean flag; empty input is false.
func ParseBool(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidBool, s)
	}
	return b, nil
}
