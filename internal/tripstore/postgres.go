package tripstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists itineraries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trips (
			id TEXT PRIMARY KEY,
			client_key TEXT NOT NULL,
			city TEXT NOT NULL,
			days JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trips_client_created ON trips (client_key, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTrip(ctx context.Context, record TripRecord) (TripRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	days, err := json.Marshal(record.Days)
	if err != nil {
		return TripRecord{}, fmt.Errorf("encode itinerary: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO trips (id, client_key, city, days, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		record.ID,
		record.ClientKey,
		record.City,
		days,
		record.CreatedAt,
	)
	if err != nil {
		return TripRecord{}, fmt.Errorf("save trip: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) LatestTrip(ctx context.Context, clientKey string) (TripRecord, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, client_key, city, days, created_at
		 FROM trips WHERE client_key=$1 ORDER BY created_at DESC LIMIT 1`,
		clientKey,
	)
	record, err := scanTrip(row)
	if err == pgx.ErrNoRows {
		return TripRecord{}, false, nil
	}
	if err != nil {
		return TripRecord{}, false, fmt.Errorf("query latest trip: %w", err)
	}
	return record, true, nil
}

func (s *PostgresStore) RecentTrips(ctx context.Context, clientKey string, limit int) ([]TripRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, client_key, city, days, created_at
		 FROM trips WHERE client_key=$1 ORDER BY created_at DESC LIMIT $2`,
		clientKey,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent trips: %w", err)
	}
	defer rows.Close()

	items := make([]TripRecord, 0, limit)
	for rows.Next() {
		record, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip row: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trip rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func scanTrip(row pgx.Row) (TripRecord, error) {
	var r TripRecord
	var days []byte
	if err := row.Scan(&r.ID, &r.ClientKey, &r.City, &days, &r.CreatedAt); err != nil {
		return TripRecord{}, err
	}
	if err := json.Unmarshal(days, &r.Days); err != nil {
		return TripRecord{}, fmt.Errorf("decode itinerary: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
