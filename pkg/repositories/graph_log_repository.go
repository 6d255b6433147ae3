package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumenlayer/usage-engine/pkg/database"
	"github.com/lumenlayer/usage-engine/pkg/models"
)

// GraphLogRepository is the append-only event log behind the usage graph.
// The in-memory graph is rebuilt by replaying the log in insertion order.
type GraphLogRepository interface {
	// Append stores one applied event.
	Append(ctx context.Context, event *models.QueryEvent) error

	// Replay streams all logged events in insertion order. The callback
	// error aborts the replay.
	Replay(ctx context.Context, fn func(*models.QueryEvent) error) error
}

type graphLogRepository struct {
	db *database.DB
}

// NewGraphLogRepository creates a PostgreSQL-backed GraphLogRepository.
func NewGraphLogRepository(db *database.DB) GraphLogRepository {
	return &graphLogRepository{db: db}
}

var _ GraphLogRepository = (*graphLogRepository)(nil)

func (r *graphLogRepository) Append(ctx context.Context, event *models.QueryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Event ids are unique; re-appending the same event under
	// at-least-once delivery is a no-op.
	query := `
		INSERT INTO engine_graph_log (event_id, payload, logged_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING`

	_, err = r.db.Exec(ctx, query, event.ID, payload)
	if err != nil {
		return fmt.Errorf("failed to append graph log entry: %w", err)
	}
	return nil
}

func (r *graphLogRepository) Replay(ctx context.Context, fn func(*models.QueryEvent) error) error {
	rows, err := r.db.Query(ctx, `SELECT payload FROM engine_graph_log ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("failed to stream graph log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("failed to scan graph log entry: %w", err)
		}
		var event models.QueryEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("failed to unmarshal graph log entry: %w", err)
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating graph log: %w", err)
	}
	return nil
}
