package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cold-path lookups sit on the event processing path, so they get a
// tight deadline. A slow Postgres must not stall ingestion.
const idempotencyLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker answers "has this event been applied?"
// against event_log.events. It backs the in-core LRU: the LRU absorbs
// recent redeliveries and this checker catches the ones that fell out of it.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether an event with the given type and idempotency
// key already exists in the event log. The lookup hits idx_events_idem.
func (c *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyLookupTimeout)
	defer cancel()

	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_log.events
		 WHERE event_type = $1 AND idempotency_key = $2
		 LIMIT 1`,
		eventType, idempotencyKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency lookup %s/%s: %w", eventType, idempotencyKey, err)
	}
	return true, nil
}
