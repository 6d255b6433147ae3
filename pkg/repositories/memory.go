package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlayer/usage-engine/pkg/apperrors"
	"github.com/lumenlayer/usage-engine/pkg/models"
)

// In-memory registry implementations, used when the engine runs without a
// database and as fixtures in unit tests. Same upsert-by-key semantics as
// the PostgreSQL implementations so overlapping writers stay convergent.

type memoryProposalRepository struct {
	mu        sync.RWMutex
	proposals map[uuid.UUID]*models.Proposal
}

// NewMemoryProposalRepository creates an in-memory ProposalRepository.
func NewMemoryProposalRepository() ProposalRepository {
	return &memoryProposalRepository{proposals: make(map[uuid.UUID]*models.Proposal)}
}

var _ ProposalRepository = (*memoryProposalRepository)(nil)

func (r *memoryProposalRepository) Create(_ context.Context, p *models.Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	clone := *p
	r.proposals[p.ID] = &clone
	return nil
}

func (r *memoryProposalRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Proposal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proposals[id]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (r *memoryProposalRepository) ListPending(_ context.Context, limit int) ([]*models.Proposal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 {
		limit = 500
	}

	var pending []*models.Proposal
	for _, p := range r.proposals {
		if p.Status == models.ProposalStatusPending {
			clone := *p
			pending = append(pending, &clone)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Evidence.Confidence != pending[j].Evidence.Confidence {
			return pending[i].Evidence.Confidence > pending[j].Evidence.Confidence
		}
		return pending[i].Signature < pending[j].Signature
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *memoryProposalRepository) FindBySignature(_ context.Context, kind, signature string) (*models.Proposal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.Proposal
	for _, p := range r.proposals {
		if p.Kind != kind || p.Signature != signature {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

func (r *memoryProposalRepository) UpdateEvidence(_ context.Context, id uuid.UUID, evidence models.Evidence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if p.Status != models.ProposalStatusPending {
		return apperrors.ErrConflict
	}
	p.Evidence = evidence
	return nil
}

func (r *memoryProposalRepository) UpdateDecision(_ context.Context, id uuid.UUID, status, actor string, decidedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	p.Status = status
	p.DecisionActor = &actor
	p.DecidedAt = &decidedAt
	return nil
}

type memorySkillRepository struct {
	mu     sync.RWMutex
	skills map[string]*models.Skill // keyed by fingerprint
}

// NewMemorySkillRepository creates an in-memory SkillRepository.
func NewMemorySkillRepository() SkillRepository {
	return &memorySkillRepository{skills: make(map[string]*models.Skill)}
}

var _ SkillRepository = (*memorySkillRepository)(nil)

func (r *memorySkillRepository) UpsertByFingerprint(_ context.Context, skill *models.Skill) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing, ok := r.skills[skill.Fingerprint]
	if ok {
		// Template and parameters stay frozen; only statistics move.
		existing.SourceEventIDs = append([]string(nil), skill.SourceEventIDs...)
		existing.EventCount = skill.EventCount
		existing.SuccessRate = skill.SuccessRate
		existing.AvgLatencyMs = skill.AvgLatencyMs
		existing.UpdatedAt = now
		*skill = *existing
		return false, nil
	}

	if skill.ID == uuid.Nil {
		skill.ID = uuid.New()
	}
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = now
	}
	skill.UpdatedAt = now
	clone := *skill
	r.skills[skill.Fingerprint] = &clone
	return true, nil
}

func (r *memorySkillRepository) GetByFingerprint(_ context.Context, fingerprint string) (*models.Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[fingerprint]
	if !ok {
		return nil, nil
	}
	clone := *s
	return &clone, nil
}

func (r *memorySkillRepository) List(_ context.Context, limit int) ([]*models.Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 {
		limit = 500
	}

	var skills []*models.Skill
	for _, s := range r.skills {
		clone := *s
		skills = append(skills, &clone)
	}
	sort.Slice(skills, func(i, j int) bool {
		if skills[i].EventCount != skills[j].EventCount {
			return skills[i].EventCount > skills[j].EventCount
		}
		return skills[i].Name < skills[j].Name
	})
	if len(skills) > limit {
		skills = skills[:limit]
	}
	return skills, nil
}

type memoryDeadLetterRepository struct {
	mu      sync.RWMutex
	letters []*models.DeadLetter
}

// NewMemoryDeadLetterRepository creates an in-memory DeadLetterRepository.
func NewMemoryDeadLetterRepository() DeadLetterRepository {
	return &memoryDeadLetterRepository{}
}

var _ DeadLetterRepository = (*memoryDeadLetterRepository)(nil)

func (r *memoryDeadLetterRepository) Park(_ context.Context, letter *models.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	if letter.ParkedAt.IsZero() {
		letter.ParkedAt = time.Now()
	}
	clone := *letter
	r.letters = append(r.letters, &clone)
	return nil
}

func (r *memoryDeadLetterRepository) List(_ context.Context, limit int) ([]*models.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}

	letters := make([]*models.DeadLetter, 0, len(r.letters))
	for i := len(r.letters) - 1; i >= 0 && len(letters) < limit; i-- {
		clone := *r.letters[i]
		letters = append(letters, &clone)
	}
	return letters, nil
}

func (r *memoryDeadLetterRepository) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.letters)), nil
}

type memoryGraphLogRepository struct {
	mu     sync.RWMutex
	events []*models.QueryEvent
	seen   map[string]struct{}
}

// NewMemoryGraphLogRepository creates an in-memory GraphLogRepository.
func NewMemoryGraphLogRepository() GraphLogRepository {
	return &memoryGraphLogRepository{seen: make(map[string]struct{})}
}

var _ GraphLogRepository = (*memoryGraphLogRepository)(nil)

func (r *memoryGraphLogRepository) Append(_ context.Context, event *models.QueryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[event.ID]; dup {
		return nil
	}
	r.seen[event.ID] = struct{}{}
	clone := *event
	r.events = append(r.events, &clone)
	return nil
}

func (r *memoryGraphLogRepository) Replay(_ context.Context, fn func(*models.QueryEvent) error) error {
	r.mu.RLock()
	events := make([]*models.QueryEvent, len(r.events))
	copy(events, r.events)
	r.mu.RUnlock()

	for _, e := range events {
		clone := *e
		if err := fn(&clone); err != nil {
			return err
		}
	}
	return nil
}
