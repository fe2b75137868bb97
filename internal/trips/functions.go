package trips

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pitext/travelvoice/internal/realtime"
	"github.com/pitext/travelvoice/internal/tripstore"
)

// Functions serves the travel tools advertised to the voice model. One
// instance is bound per session so results land under the caller's client
// key.
type Functions struct {
	planner   *Planner
	store     tripstore.Store
	clientKey string
}

func NewFunctions(planner *Planner, store tripstore.Store, clientKey string) *Functions {
	return &Functions{
		planner:   planner,
		store:     store,
		clientKey: clientKey,
	}
}

func (f *Functions) Definitions() []realtime.ToolDefinition {
	return []realtime.ToolDefinition{
		{
			Type:        "function",
			Name:        "plan_trip",
			Description: "Plan a multi-day trip itinerary for a city. Call this whenever the user asks to plan, show, or change a trip.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"city": {"type": "string", "description": "Destination city, e.g. Paris"},
					"days": {"type": "integer", "description": "Trip length in days, 1 to 14"}
				},
				"required": ["city"]
			}`),
		},
		{
			Type:        "function",
			Name:        "get_trip_summary",
			Description: "Summarize the trip currently shown on the user's map.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}

func (f *Functions) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "plan_trip":
		return f.planTrip(ctx, args)
	case "get_trip_summary":
		return f.tripSummary(ctx)
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func (f *Functions) planTrip(ctx context.Context, args map[string]any) (any, error) {
	city, _ := args["city"].(string)
	days := intArg(args, "days")

	plan, err := f.planner.PlanTrip(ctx, city, days)
	if err != nil {
		return nil, err
	}

	record, err := f.store.SaveTrip(ctx, tripstore.TripRecord{
		ClientKey: f.clientKey,
		City:      strings.TrimSpace(city),
		Days:      plan,
	})
	if err != nil {
		return nil, fmt.Errorf("store itinerary: %w", err)
	}

	return map[string]any{
		"status":  "success",
		"trip_id": record.ID,
		"city":    record.City,
		"days":    len(record.Days),
		"message": fmt.Sprintf("Planned a %d-day trip to %s. The map is being updated.", len(record.Days), record.City),
	}, nil
}

func (f *Functions) tripSummary(ctx context.Context) (any, error) {
	record, found, err := f.store.LatestTrip(ctx, f.clientKey)
	if err != nil {
		return nil, fmt.Errorf("load itinerary: %w", err)
	}
	if !found {
		return map[string]any{
			"status":  "empty",
			"message": "No trip has been planned yet.",
		}, nil
	}

	days := make([]map[string]any, 0, len(record.Days))
	for _, day := range record.Days {
		stops := make([]string, 0, len(day.Stops))
		for _, stop := range day.Stops {
			stops = append(stops, stop.Name)
		}
		days = append(days, map[string]any{
			"label": day.Label,
			"stops": stops,
		})
	}
	return map[string]any{
		"status": "success",
		"city":   record.City,
		"days":   days,
	}, nil
}

// intArg reads an integer argument from decoded JSON, where numbers arrive
// as float64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
