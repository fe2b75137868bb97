package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// earthRadiusKM is the mean Earth radius used by the great-circle distance.
const earthRadiusKM = 6371

var (
	ErrNoAPIKey  = errors.New("geo: missing Google Maps API key")
	ErrNotFound  = errors.New("geo: no result for place")
	ErrWrongCity = errors.New("geo: result is outside the requested city")
	ErrBadStatus = errors.New("geo: geocoding request rejected")
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HaversineKM returns the great-circle distance between two points in
// kilometers.
func HaversineKM(a, b Point) float64 {
	dlat := radians(b.Lat - a.Lat)
	dlng := radians(b.Lng - a.Lng)
	h := math.Pow(math.Sin(dlat/2), 2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Pow(math.Sin(dlng/2), 2)
	return earthRadiusKM * 2 * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Client resolves free-text place names through the Google Geocoding API.
// Results are cached per (place, city, country) for the process lifetime;
// landmark coordinates do not move.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	cache map[string]Point
}

// Option tweaks a Client; tests use WithBaseURL to point at a local server.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: defaultGeocodeURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: make(map[string]Point),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type geocodeResponse struct {
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error_message"`
	Results      []geocodeResult `json:"results"`
}

type geocodeResult struct {
	AddressComponents []addressComponent `json:"address_components"`
	Geometry          struct {
		Location Point `json:"location"`
	} `json:"geometry"`
}

type addressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// Locate geocodes a place scoped to a city. Passing a country code adds
// component filtering. The first result must actually lie in the requested
// city or the lookup is rejected.
func (c *Client) Locate(ctx context.Context, place, city, country string) (Point, error) {
	if c.apiKey == "" {
		return Point{}, ErrNoAPIKey
	}

	key := cacheKey(place, city, country)
	c.mu.RLock()
	if pt, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return pt, nil
	}
	c.mu.RUnlock()

	q := url.Values{}
	address := place
	if city != "" {
		address = place + ", " + city
	}
	q.Set("address", address)
	q.Set("key", c.apiKey)
	q.Set("language", "en")
	if country != "" {
		q.Set("components", fmt.Sprintf("locality:%s|country:%s", city, country))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Point{}, fmt.Errorf("create geocode request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return Point{}, fmt.Errorf("geocode %q: %w", place, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Point{}, fmt.Errorf("%w: http status %d", ErrBadStatus, res.StatusCode)
	}

	var body geocodeResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Point{}, fmt.Errorf("decode geocode response: %w", err)
	}
	if body.Status != "OK" {
		if body.Status == "ZERO_RESULTS" {
			return Point{}, ErrNotFound
		}
		return Point{}, fmt.Errorf("%w: %s %s", ErrBadStatus, body.Status, body.ErrorMessage)
	}
	if len(body.Results) == 0 {
		return Point{}, ErrNotFound
	}

	first := body.Results[0]
	if city != "" && !cityMatches(first.AddressComponents, city) {
		return Point{}, ErrWrongCity
	}

	pt := first.Geometry.Location
	c.mu.Lock()
	c.cache[key] = pt
	c.mu.Unlock()
	return pt, nil
}

// LocateBatch resolves many places against one city, skipping failures so a
// single unknown landmark never sinks the whole itinerary.
func (c *Client) LocateBatch(ctx context.Context, places []string, city, country string) map[string]Point {
	out := make(map[string]Point, len(places))
	for _, place := range places {
		pt, err := c.Locate(ctx, place, city, country)
		if err != nil {
			continue
		}
		out[place] = pt
	}
	return out
}

func cacheKey(place, city, country string) string {
	return strings.ToLower(place) + "|" + strings.ToLower(city) + "|" + strings.ToLower(country)
}

// cityMatches checks the locality components of a geocoding result against
// the requested city, accepting partial matches in either direction
// ("Prayagraj" vs "Prayagraj, Uttar Pradesh").
func cityMatches(components []addressComponent, city string) bool {
	target := strings.ToLower(city)
	for _, comp := range components {
		if !hasType(comp.Types, "locality") {
			continue
		}
		for _, name := range []string{strings.ToLower(comp.LongName), strings.ToLower(comp.ShortName)} {
			if name == "" {
				continue
			}
			if name == target || strings.Contains(name, target) || strings.Contains(target, name) {
				return true
			}
		}
	}
	return false
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
