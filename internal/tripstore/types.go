package tripstore

import (
	"context"
	"time"
)

// Stop is a single visitable place within a day of the itinerary.
type Stop struct {
	Name        string  `json:"name"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Description string  `json:"description,omitempty"`
}

// DayPlan groups the stops planned for one day.
type DayPlan struct {
	Label string `json:"label"`
	Stops []Stop `json:"stops"`
}

// TripRecord stores one planned itinerary, keyed by the browser client that
// requested it.
type TripRecord struct {
	ID        string    `json:"id"`
	ClientKey string    `json:"client_key"`
	City      string    `json:"city"`
	Days      []DayPlan `json:"days"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves planned itineraries.
type Store interface {
	SaveTrip(ctx context.Context, record TripRecord) (TripRecord, error)
	LatestTrip(ctx context.Context, clientKey string) (TripRecord, bool, error)
	RecentTrips(ctx context.Context, clientKey string, limit int) ([]TripRecord, error)
	Close() error
}
