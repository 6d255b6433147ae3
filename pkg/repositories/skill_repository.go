package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenlayer/usage-engine/pkg/database"
	"github.com/lumenlayer/usage-engine/pkg/models"
)

// SkillRepository provides data access for the skill registry. Skills are
// keyed by structural fingerprint; consolidation re-runs update statistics
// on the existing skill instead of duplicating it.
type SkillRepository interface {
	// UpsertByFingerprint inserts the skill, or refreshes the statistics
	// of an existing skill with the same fingerprint. Returns true when
	// a new skill was created.
	UpsertByFingerprint(ctx context.Context, skill *models.Skill) (bool, error)

	// GetByFingerprint returns the skill for a fingerprint, or nil.
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.Skill, error)

	// List returns skills ordered by descending event count.
	List(ctx context.Context, limit int) ([]*models.Skill, error)
}

type skillRepository struct {
	db *database.DB
}

// NewSkillRepository creates a PostgreSQL-backed SkillRepository.
func NewSkillRepository(db *database.DB) SkillRepository {
	return &skillRepository{db: db}
}

var _ SkillRepository = (*skillRepository)(nil)

func (r *skillRepository) UpsertByFingerprint(ctx context.Context, skill *models.Skill) (bool, error) {
	params, err := json.Marshal(skill.Parameters)
	if err != nil {
		return false, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	sources, err := json.Marshal(skill.SourceEventIDs)
	if err != nil {
		return false, fmt.Errorf("failed to marshal source event ids: %w", err)
	}

	if skill.ID == uuid.Nil {
		skill.ID = uuid.New()
	}
	now := time.Now()
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = now
	}
	skill.UpdatedAt = now

	// Template and parameters are immutable after creation; only the
	// statistics columns move on conflict.
	query := `
		INSERT INTO engine_skills (
			id, name, fingerprint, template, parameters, source_event_ids,
			event_count, success_rate, avg_latency_ms, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fingerprint) DO UPDATE SET
			source_event_ids = EXCLUDED.source_event_ids,
			event_count = EXCLUDED.event_count,
			success_rate = EXCLUDED.success_rate,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`

	var inserted bool
	err = r.db.QueryRow(ctx, query,
		skill.ID, skill.Name, skill.Fingerprint, skill.Template, params, sources,
		skill.EventCount, skill.SuccessRate, skill.AvgLatencyMs,
		skill.CreatedAt, skill.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert skill: %w", err)
	}
	return inserted, nil
}

func (r *skillRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*models.Skill, error) {
	query := selectSkill + ` WHERE fingerprint = $1`
	skill, err := scanSkillRow(r.db.QueryRow(ctx, query, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return skill, nil
}

func (r *skillRepository) List(ctx context.Context, limit int) ([]*models.Skill, error) {
	if limit <= 0 {
		limit = 500
	}

	query := selectSkill + ` ORDER BY event_count DESC, name ASC LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var skills []*models.Skill
	for rows.Next() {
		skill, err := scanSkillRow(rows)
		if err != nil {
			return nil, err
		}
		skills = append(skills, skill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating skills: %w", err)
	}
	return skills, nil
}

const selectSkill = `
	SELECT id, name, fingerprint, template, parameters, source_event_ids,
	       event_count, success_rate, avg_latency_ms, created_at, updated_at
	FROM engine_skills`

func scanSkillRow(row pgx.Row) (*models.Skill, error) {
	var s models.Skill
	var params, sources []byte

	err := row.Scan(
		&s.ID, &s.Name, &s.Fingerprint, &s.Template, &params, &sources,
		&s.EventCount, &s.SuccessRate, &s.AvgLatencyMs, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan skill: %w", err)
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &s.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &s.SourceEventIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source event ids: %w", err)
		}
	}
	return &s, nil
}
