package tripstore

import (
	"context"
	"testing"
)

func TestInMemorySaveAndLatest(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, found, err := s.LatestTrip(ctx, "tab-a"); err != nil || found {
		t.Fatalf("LatestTrip() on empty store = found %v, err %v", found, err)
	}

	first, err := s.SaveTrip(ctx, TripRecord{
		ClientKey: "tab-a",
		City:      "Paris",
		Days:      []DayPlan{{Label: "Day 1", Stops: []Stop{{Name: "Louvre", Lat: 48.8606, Lng: 2.3376}}}},
	})
	if err != nil {
		t.Fatalf("SaveTrip() error = %v", err)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("SaveTrip() should assign id and timestamp: %+v", first)
	}

	second, err := s.SaveTrip(ctx, TripRecord{ClientKey: "tab-a", City: "Rome"})
	if err != nil {
		t.Fatalf("SaveTrip() error = %v", err)
	}

	got, found, err := s.LatestTrip(ctx, "tab-a")
	if err != nil || !found {
		t.Fatalf("LatestTrip() = found %v, err %v", found, err)
	}
	if got.ID != second.ID || got.City != "Rome" {
		t.Fatalf("LatestTrip() = %+v, want the Rome trip", got)
	}
}

func TestInMemoryRecentTrips(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, city := range []string{"Paris", "Rome", "Lisbon"} {
		if _, err := s.SaveTrip(ctx, TripRecord{ClientKey: "tab-a", City: city}); err != nil {
			t.Fatalf("SaveTrip(%s) error = %v", city, err)
		}
	}

	trips, err := s.RecentTrips(ctx, "tab-a", 2)
	if err != nil {
		t.Fatalf("RecentTrips() error = %v", err)
	}
	if len(trips) != 2 || trips[0].City != "Rome" || trips[1].City != "Lisbon" {
		t.Fatalf("RecentTrips() = %+v, want the two newest in chronological order", trips)
	}

	// Keys do not leak across clients.
	trips, err = s.RecentTrips(ctx, "tab-b", 10)
	if err != nil || trips != nil {
		t.Fatalf("RecentTrips() for unknown key = %v, %v", trips, err)
	}
}
