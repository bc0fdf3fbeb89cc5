// Package geo resolves region centroids through the Google Geocoding API.
package geo

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/kelvins/geocoder"
)

var ErrNoAPIKey = errors.New("geocoder api key not configured")

// apiKeyMu guards the package-level key in the geocoder library.
var apiKeyMu sync.Mutex

// GoogleGeocoder looks up centroids for US region names.
type GoogleGeocoder struct {
	apiKey  string
	country string
	lookup  func(geocoder.Address) (geocoder.Location, error)
}

func NewGoogleGeocoder(apiKey string) *GoogleGeocoder {
	return &GoogleGeocoder{
		apiKey:  strings.TrimSpace(apiKey),
		country: "United States",
		lookup:  geocoder.Geocoding,
	}
}

// Locate geocodes a census display name such as "Douglas County, Kansas".
func (g *GoogleGeocoder) Locate(ctx context.Context, query string) (float64, float64, error) {
	if g.apiKey == "" {
		return 0, 0, ErrNoAPIKey
	}

	type result struct {
		loc geocoder.Location
		err error
	}
	done := make(chan result, 1)
	go func() {
		apiKeyMu.Lock()
		defer apiKeyMu.Unlock()
		geocoder.ApiKey = g.apiKey
		loc, err := g.lookup(geocoder.Address{City: strings.TrimSpace(query), Country: g.country})
		done <- result{loc: loc, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return 0, 0, r.err
		}
		return r.loc.Latitude, r.loc.Longitude, nil
	}
}
