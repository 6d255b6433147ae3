//go:build integration

package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/testhelpers"
)

func TestProposalRepository_Postgres(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	tdb.TruncateAll(t)
	repo := NewProposalRepository(tdb.DB)
	ctx := context.Background()

	p := &models.Proposal{
		Kind:       models.ProposalKindNewMetric,
		Signature:  "sum(revenue)",
		Expression: "SUM(revenue)",
		Status:     models.ProposalStatusPending,
		Evidence:   models.Evidence{EventCount: 12, Confidence: 0.6, SampleQueryIDs: []string{"q-1"}},
	}
	require.NoError(t, repo.Create(ctx, p))
	require.NotEqual(t, uuid.Nil, p.ID)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sum(revenue)", got.Signature)
	assert.Equal(t, "SUM(revenue)", got.Expression)
	assert.Equal(t, 12, got.Evidence.EventCount)
	assert.InDelta(t, 0.6, got.Evidence.Confidence, 1e-9)

	missing, err := repo.GetByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A second pending proposal with higher confidence lists first.
	p2 := &models.Proposal{
		Kind:      models.ProposalKindNewMetric,
		Signature: "avg(basket)",
		Status:    models.ProposalStatusPending,
		Evidence:  models.Evidence{EventCount: 30, Confidence: 1.0},
	}
	require.NoError(t, repo.Create(ctx, p2))

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "avg(basket)", pending[0].Signature)
	assert.Equal(t, "sum(revenue)", pending[1].Signature)

	found, err := repo.FindBySignature(ctx, models.ProposalKindNewMetric, "sum(revenue)")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)

	require.NoError(t, repo.UpdateEvidence(ctx, p.ID, models.Evidence{EventCount: 15, Confidence: 0.75}))
	got, err = repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.Evidence.EventCount)

	decidedAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.UpdateDecision(ctx, p.ID, models.ProposalStatusApproved, "reviewer", decidedAt))

	got, err = repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusApproved, got.Status)
	require.NotNil(t, got.DecisionActor)
	assert.Equal(t, "reviewer", *got.DecisionActor)

	// Evidence updates only apply to pending proposals.
	err = repo.UpdateEvidence(ctx, p.ID, models.Evidence{EventCount: 99})
	assert.Error(t, err)

	pending, err = repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSkillRepository_Postgres(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	tdb.TruncateAll(t)
	repo := NewSkillRepository(tdb.DB)
	ctx := context.Background()

	skill := &models.Skill{
		Name:        "order sum(revenue)",
		Fingerprint: "fp-orders-revenue",
		Template:    "SELECT SUM(revenue) FROM orders WHERE region = {{region}}",
		Parameters: []models.SkillParameter{
			{Name: "region", Position: 0, Samples: []string{"'emea'", "'apac'"}},
		},
		SourceEventIDs: []string{"q-1", "q-2"},
		EventCount:     10,
		SuccessRate:    0.9,
		AvgLatencyMs:   120,
	}
	created, err := repo.UpsertByFingerprint(ctx, skill)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := repo.GetByFingerprint(ctx, "fp-orders-revenue")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "order sum(revenue)", got.Name)
	require.Len(t, got.Parameters, 1)
	assert.Equal(t, "region", got.Parameters[0].Name)

	// Upserting the same fingerprint refreshes statistics in place.
	skill.EventCount = 14
	skill.SuccessRate = 12.0 / 14.0
	created, err = repo.UpsertByFingerprint(ctx, skill)
	require.NoError(t, err)
	assert.False(t, created)

	skills, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, 14, skills[0].EventCount)

	missing, err := repo.GetByFingerprint(ctx, "fp-ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeadLetterRepository_Postgres(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	tdb.TruncateAll(t)
	repo := NewDeadLetterRepository(tdb.DB)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		letter := &models.DeadLetter{
			EventID:  fmt.Sprintf("q-%d", i),
			Payload:  []byte(fmt.Sprintf(`{"id":"q-%d"}`, i)),
			Reason:   "log append failed",
			Attempts: 5,
		}
		require.NoError(t, repo.Park(ctx, letter))
	}

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	letters, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "log append failed", letters[0].Reason)
	assert.Equal(t, 5, letters[0].Attempts)
	assert.False(t, letters[0].ParkedAt.IsZero())
}

func TestGraphLogRepository_Postgres(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	tdb.TruncateAll(t)
	repo := NewGraphLogRepository(tdb.DB)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		event := &models.QueryEvent{
			ID:        fmt.Sprintf("q-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Success:   true,
			Tables:    []string{"orders"},
		}
		require.NoError(t, repo.Append(ctx, event))
	}

	// Re-appending an existing event id is a no-op.
	require.NoError(t, repo.Append(ctx, &models.QueryEvent{ID: "q-0", Tables: []string{"other"}}))

	var ids []string
	err := repo.Replay(ctx, func(event *models.QueryEvent) error {
		ids = append(ids, event.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-0", "q-1", "q-2", "q-3", "q-4"}, ids)

	// Replay preserves the original payload for duplicate ids.
	err = repo.Replay(ctx, func(event *models.QueryEvent) error {
		if event.ID == "q-0" {
			assert.Equal(t, []string{"orders"}, event.Tables)
		}
		return nil
	})
	require.NoError(t, err)
}
