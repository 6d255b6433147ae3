package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlayer/usage-engine/pkg/database"
	"github.com/lumenlayer/usage-engine/pkg/models"
)

// DeadLetterRepository stores events whose graph update failed after
// bounded retries, for manual inspection.
type DeadLetterRepository interface {
	// Park stores a failed event.
	Park(ctx context.Context, letter *models.DeadLetter) error

	// List returns parked events, newest first.
	List(ctx context.Context, limit int) ([]*models.DeadLetter, error)

	// Count returns the number of parked events.
	Count(ctx context.Context) (int64, error)
}

type deadLetterRepository struct {
	db *database.DB
}

// NewDeadLetterRepository creates a PostgreSQL-backed DeadLetterRepository.
func NewDeadLetterRepository(db *database.DB) DeadLetterRepository {
	return &deadLetterRepository{db: db}
}

var _ DeadLetterRepository = (*deadLetterRepository)(nil)

func (r *deadLetterRepository) Park(ctx context.Context, letter *models.DeadLetter) error {
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	if letter.ParkedAt.IsZero() {
		letter.ParkedAt = time.Now()
	}

	query := `
		INSERT INTO engine_dead_letters (id, event_id, payload, reason, attempts, parked_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		letter.ID, letter.EventID, letter.Payload, letter.Reason, letter.Attempts, letter.ParkedAt)
	if err != nil {
		return fmt.Errorf("failed to park dead letter: %w", err)
	}
	return nil
}

func (r *deadLetterRepository) List(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, event_id, payload, reason, attempts, parked_at
		FROM engine_dead_letters
		ORDER BY parked_at DESC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var l models.DeadLetter
		if err := rows.Scan(&l.ID, &l.EventID, &l.Payload, &l.Reason, &l.Attempts, &l.ParkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, nil
}

func (r *deadLetterRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM engine_dead_letters`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}
