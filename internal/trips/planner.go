package trips

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pitext/travelvoice/internal/geo"
	"github.com/pitext/travelvoice/internal/reliability"
	"github.com/pitext/travelvoice/internal/tripstore"
)

const defaultChatURL = "https://api.openai.com/v1/chat/completions"

const (
	maxChatAttempts    = 3
	chatBackoffBase    = 250 * time.Millisecond
	chatBackoffCeiling = 2 * time.Second
)

const (
	minTripDays     = 1
	maxTripDays     = 14
	defaultTripDays = 3
)

var (
	ErrMissingCity  = errors.New("trips: city is required")
	ErrEmptyPlan    = errors.New("trips: model returned an empty itinerary")
	ErrPlanRejected = errors.New("trips: itinerary request rejected")
)

// Planner turns a (city, days) request into a geocoded itinerary by asking a
// chat completion model for the plan and resolving its stops to coordinates.
type Planner struct {
	apiKey      string
	model       string
	baseURL     string
	http        *http.Client
	geo         *geo.Client
	backoffBase time.Duration
}

type PlannerOption func(*Planner)

func WithChatURL(u string) PlannerOption {
	return func(p *Planner) { p.baseURL = u }
}

func WithHTTPClient(h *http.Client) PlannerOption {
	return func(p *Planner) { p.http = h }
}

func NewPlanner(apiKey, model string, geocoder *geo.Client, opts ...PlannerOption) *Planner {
	if strings.TrimSpace(model) == "" {
		model = "gpt-4.1"
	}
	p := &Planner{
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		baseURL: defaultChatURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
		geo:         geocoder,
		backoffBase: chatBackoffBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// rawItinerary mirrors the JSON schema the prompt demands from the model.
type rawItinerary struct {
	Days []struct {
		Day   int `json:"day"`
		Stops []struct {
			Name string   `json:"name"`
			Lat  *float64 `json:"lat"`
			Lng  *float64 `json:"lng"`
		} `json:"stops"`
	} `json:"days"`
}

func buildPrompt(city string, days int) string {
	return fmt.Sprintf(
		"You are a helpful travel planner. Create a %d-day itinerary for %s. "+
			"All attractions and stops must be located near %s. Do not include any "+
			"stops outside of the country of the city. Reply in strict JSON with the "+
			`schema: {"days": [{"day": <int>, "stops": [{"name": <str>, "lat": null, "lng": null}]}]}`,
		days, city, city)
}

// ClampDays normalizes a requested day count into the supported range. Zero
// or negative requests get the default length.
func ClampDays(days int) int {
	if days <= 0 {
		return defaultTripDays
	}
	if days < minTripDays {
		return minTripDays
	}
	if days > maxTripDays {
		return maxTripDays
	}
	return days
}

// PlanTrip generates and geocodes an itinerary. Stops the geocoder cannot
// resolve keep zero coordinates; the caller renders what it can.
func (p *Planner) PlanTrip(ctx context.Context, city string, days int) ([]tripstore.DayPlan, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, ErrMissingCity
	}
	days = ClampDays(days)

	content, err := p.complete(ctx, buildPrompt(city, days))
	if err != nil {
		return nil, err
	}

	plan, err := parseItinerary(content)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, ErrEmptyPlan
	}

	p.enrich(ctx, plan, city)
	return plan, nil
}

// complete sends the chat request, retrying with capped backoff when the
// upstream answers with a retryable status.
func (p *Planner) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are ChatGPT."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxChatAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, p.backoffBase, chatBackoffCeiling)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		content, retryable, err := p.completeOnce(ctx, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		log.Printf("trips: chat attempt %d/%d failed: %v", attempt+1, maxChatAttempts, err)
	}
	return "", lastErr
}

func (p *Planner) completeOnce(ctx context.Context, payload []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	res, err := p.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("send chat request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("%w: http status %d: %s", ErrPlanRejected, res.StatusCode, string(body))
		return "", reliability.IsRetryableHTTPStatus(res.StatusCode), err
	}

	var parsed chatResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", false, ErrEmptyPlan
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// parseItinerary tolerates markdown code fences around the JSON body; models
// add them even when told not to.
func parseItinerary(content string) ([]tripstore.DayPlan, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw rawItinerary
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse itinerary: %w", err)
	}

	out := make([]tripstore.DayPlan, 0, len(raw.Days))
	for i, day := range raw.Days {
		label := fmt.Sprintf("Day %d", day.Day)
		if day.Day <= 0 {
			label = fmt.Sprintf("Day %d", i+1)
		}
		plan := tripstore.DayPlan{Label: label}
		for _, stop := range day.Stops {
			if strings.TrimSpace(stop.Name) == "" {
				continue
			}
			s := tripstore.Stop{Name: stop.Name}
			if stop.Lat != nil && stop.Lng != nil {
				s.Lat = *stop.Lat
				s.Lng = *stop.Lng
			}
			plan.Stops = append(plan.Stops, s)
		}
		if len(plan.Stops) > 0 {
			out = append(out, plan)
		}
	}
	return out, nil
}

// enrich resolves missing stop coordinates against the itinerary's city.
// Lookups that fail are logged and skipped.
func (p *Planner) enrich(ctx context.Context, plan []tripstore.DayPlan, city string) {
	if p.geo == nil {
		return
	}

	var missing []string
	for _, day := range plan {
		for _, stop := range day.Stops {
			if stop.Lat == 0 && stop.Lng == 0 {
				missing = append(missing, stop.Name)
			}
		}
	}
	if len(missing) == 0 {
		return
	}

	located := p.geo.LocateBatch(ctx, missing, city, "")
	resolved := 0
	for di := range plan {
		for si := range plan[di].Stops {
			stop := &plan[di].Stops[si]
			if stop.Lat != 0 || stop.Lng != 0 {
				continue
			}
			pt, ok := located[stop.Name]
			if !ok {
				log.Printf("trips: could not geocode %q in %s", stop.Name, city)
				continue
			}
			stop.Lat = pt.Lat
			stop.Lng = pt.Lng
			resolved++
		}
	}
	log.Printf("trips: geocoded %d/%d stops for %s", resolved, len(missing), city)
}
