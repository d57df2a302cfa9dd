package validation

import (
	"errors"
	"testing"

	"github.com/kjstillabower/airly-service/internal/models"
)

func TestParseGeoPoint(t *testing.T) {
	tests := []struct {
		name    string
		lat     string
		lng     string
		want    models.GeoPoint
		wantErr error
	}{
		{"valid", "50.0617", "19.9373", models.GeoPoint{Latitude: 50.0617, Longitude: 19.9373}, nil},
		{"trimmed", " -33.8 ", " 151.2 ", models.GeoPoint{Latitude: -33.8, Longitude: 151.2}, nil},
		{"poles and antimeridian", "90", "-180", models.GeoPoint{Latitude: 90, Longitude: -180}, nil},
		{"missing lat", "", "19.9", models.GeoPoint{}, ErrCoordinatesRequired},
		{"missing lng", "50", " ", models.GeoPoint{}, ErrCoordinatesRequired},
		{"non-numeric", "north", "19.9", models.GeoPoint{}, ErrInvalidCoordinates},
		{"lat out of range", "90.1", "0", models.GeoPoint{}, ErrInvalidCoordinates},
		{"lng out of range", "0", "180.5", models.GeoPoint{}, ErrInvalidCoordinates},
		{"NaN", "NaN", "0", models.GeoPoint{}, ErrInvalidCoordinates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGeoPoint(tt.lat, tt.lng)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseGeoPoint() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGeoPoint() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseGeoPoint() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseGeoCircle(t *testing.T) {
	tests := []struct {
		name       string
		radius     string
		wantRadius float64
		wantErr    error
	}{
		{"default radius", "", 3, nil},
		{"explicit radius", "10.5", 10.5, nil},
		{"zero radius", "0", 0, nil},
		{"negative radius", "-1", 0, ErrInvalidRadius},
		{"earth radius", "6371", 0, ErrInvalidRadius},
		{"non-numeric", "far", 0, ErrInvalidRadius},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGeoCircle("50", "20", tt.radius, 3)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseGeoCircle() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGeoCircle() unexpected error: %v", err)
			}
			if got.RadiusKM != tt.wantRadius {
				t.Errorf("RadiusKM = %v, want %v", got.RadiusKM, tt.wantRadius)
			}
		})
	}

	if _, err := ParseGeoCircle("", "20", "1", 3); !errors.Is(err, ErrCoordinatesRequired) {
		t.Errorf("ParseGeoCircle() missing lat error = %v, want ErrCoordinatesRequired", err)
	}
}

func TestParseIndexType(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", models.IndexAirlyCAQI, false},
		{"airly_caqi", models.IndexAirlyCAQI, false},
		{" US_AQI ", models.IndexUSAQI, false},
		{"gios", models.IndexGIOS, false},
		{"PIJP", models.IndexPIJP, false},
		{"CAQI", models.IndexCAQI, false},
		{"AQI", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIndexType(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidIndexType) {
					t.Fatalf("ParseIndexType(%q) error = %v, want ErrInvalidIndexType", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseIndexType(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestParseInstallationID(t *testing.T) {
	if id, err := ParseInstallationID(" 204 "); err != nil || id != 204 {
		t.Errorf("ParseInstallationID(204) = %d, %v", id, err)
	}
	for _, in := range []string{"", "0", "-3", "abc", "1.5"} {
		if _, err := ParseInstallationID(in); !errors.Is(err, ErrInvalidInstallationID) {
			t.Errorf("ParseInstallationID(%q) error = %v, want ErrInvalidInstallationID", in, err)
		}
	}
}

func TestParseMaxResults(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 1, false},
		{"5", 5, false},
		{"100", 100, false},
		{"101", 0, true},
		{"0", 0, true},
		{"-1", 0, true},
		{"many", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMaxResults(tt.in, 1, 100)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMaxResults) {
					t.Fatalf("ParseMaxResults(%q) error = %v, want ErrInvalidMaxResults", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseMaxResults(%q) = %d, %v, want %d", tt.in, got, err, tt.want)
			}
		})
	}
	if got, err := ParseMaxResults("1000", 1, 0); err != nil || got != 1000 {
		t.Errorf("ParseMaxResults() unbounded = %d, %v", got, err)
	}
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"": false, "true": true, "1": true, "false": false} {
		got, err := ParseBool(in)
		if err != nil || got != want {
			t.Errorf("ParseBool(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseBool("yes"); !errors.Is(err, ErrInvalidBool) {
		t.Errorf("ParseBool(yes) error = %v, want ErrInvalidBool", err)
	}
}
