package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
)

// ConsolidationResult summarizes one consolidation run.
type ConsolidationResult struct {
	GroupsSeen    int `json:"groups_seen"`
	SkillsCreated int `json:"skills_created"`
	SkillsUpdated int `json:"skills_updated"`
}

// SkillConsolidator distills repeated, structurally similar successful
// queries into parameterized skill templates. Events are grouped by
// structural fingerprint; a group large and reliable enough becomes one
// skill, with the varying filter literals abstracted into named
// parameters.
type SkillConsolidator interface {
	Consolidate(ctx context.Context, window models.TimeWindow) (*ConsolidationResult, error)
}

type skillConsolidator struct {
	log    repositories.GraphLogRepository
	skills repositories.SkillRepository
	cfg    config.SkillsConfig
	logger *zap.Logger
}

// NewSkillConsolidator creates a SkillConsolidator reading from the graph
// event log.
func NewSkillConsolidator(
	log repositories.GraphLogRepository,
	skills repositories.SkillRepository,
	cfg config.SkillsConfig,
	logger *zap.Logger,
) SkillConsolidator {
	return &skillConsolidator{
		log:    log,
		skills: skills,
		cfg:    cfg,
		logger: logger.Named("skill-consolidator"),
	}
}

var _ SkillConsolidator = (*skillConsolidator)(nil)

// fingerprintGroup accumulates per-fingerprint statistics during a single
// pass over the event log.
type fingerprintGroup struct {
	total      int
	successes  int
	latencySum float64
	eventIDs   []string

	// latest successful event in the group; its shape seeds the template.
	exemplar *models.QueryEvent

	// filter literal samples per predicate position, successful events only.
	literalSamples map[int]map[string]struct{}
}

// Consolidate replays the event log, groups the events inside the window
// by fingerprint, and upserts a skill for every group meeting the size
// and success-rate thresholds. A zero window bound is open on that side.
// Re-running over the same window refreshes statistics without creating
// duplicates.
func (s *skillConsolidator) Consolidate(ctx context.Context, window models.TimeWindow) (*ConsolidationResult, error) {
	groups := make(map[string]*fingerprintGroup)

	err := s.log.Replay(ctx, func(event *models.QueryEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if event.Fingerprint == "" || !window.Contains(event.Timestamp) {
			return nil
		}

		g, ok := groups[event.Fingerprint]
		if !ok {
			g = &fingerprintGroup{literalSamples: make(map[int]map[string]struct{})}
			groups[event.Fingerprint] = g
		}

		g.total++
		g.latencySum += float64(event.DurationMs)
		if !event.Success {
			return nil
		}
		g.successes++
		g.eventIDs = append(g.eventIDs, event.ID)
		if g.exemplar == nil || event.Timestamp.After(g.exemplar.Timestamp) {
			g.exemplar = event
		}
		for pos, filter := range event.Filters {
			for _, lit := range filterLiterals(filter) {
				set, ok := g.literalSamples[pos]
				if !ok {
					set = make(map[string]struct{})
					g.literalSamples[pos] = set
				}
				set[lit] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay event log: %w", err)
	}

	result := &ConsolidationResult{GroupsSeen: len(groups)}

	// Deterministic upsert order.
	fingerprints := make([]string, 0, len(groups))
	for fp := range groups {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)

	for _, fp := range fingerprints {
		g := groups[fp]
		if g.total < s.cfg.MinGroupSize || g.exemplar == nil {
			continue
		}
		rate := float64(g.successes) / float64(g.total)
		if rate < s.cfg.MinSuccessRate {
			continue
		}

		skill := s.synthesize(fp, g, rate)
		created, err := s.skills.UpsertByFingerprint(ctx, skill)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert skill %s: %w", skill.Name, err)
		}
		if created {
			result.SkillsCreated++
			s.logger.Info("skill created",
				zap.String("name", skill.Name),
				zap.String("fingerprint", skill.Fingerprint),
				zap.Int("event_count", skill.EventCount),
				zap.Float64("success_rate", skill.SuccessRate))
		} else {
			result.SkillsUpdated++
		}
	}

	s.logger.Info("consolidation run complete",
		zap.Int("groups", result.GroupsSeen),
		zap.Int("created", result.SkillsCreated),
		zap.Int("updated", result.SkillsUpdated))

	return result, nil
}

// synthesize builds the skill for one qualifying group: the template comes
// from the most recent successful event with its varying filter literals
// replaced by named placeholders.
func (s *skillConsolidator) synthesize(fingerprint string, g *fingerprintGroup, rate float64) *models.Skill {
	template := g.exemplar.RawQuery
	var params []models.SkillParameter

	positions := make([]int, 0, len(g.literalSamples))
	for pos := range g.literalSamples {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	for _, pos := range positions {
		set := g.literalSamples[pos]
		// A literal that never varies across the group is a constant of
		// the skill, not a parameter.
		if len(set) < 2 {
			continue
		}
		if pos >= len(g.exemplar.Filters) {
			continue
		}
		filter := g.exemplar.Filters[pos]

		name := parameterName(filter, len(params))
		samples := make([]string, 0, len(set))
		for lit := range set {
			samples = append(samples, lit)
		}
		sort.Strings(samples)
		if len(samples) > 5 {
			samples = samples[:5]
		}

		placeholder := "{{" + name + "}}"
		for _, lit := range filterLiterals(filter) {
			template = strings.Replace(template, lit, placeholder, 1)
		}

		params = append(params, models.SkillParameter{
			Name:     name,
			Position: pos,
			Samples:  samples,
		})
	}

	ids := g.eventIDs
	if len(ids) > 20 {
		ids = ids[len(ids)-20:]
	}

	return &models.Skill{
		Name:           skillName(g.exemplar),
		Fingerprint:    fingerprint,
		Template:       template,
		Parameters:     params,
		SourceEventIDs: ids,
		EventCount:     g.total,
		SuccessRate:    rate,
		AvgLatencyMs:   g.latencySum / float64(g.total),
	}
}

var (
	quotedLiteralRe  = regexp.MustCompile(`'[^']*'`)
	numericLiteralRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	identifierRe     = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_.]*`)
)

// filterLiterals extracts the comparable literal values from one filter
// predicate: quoted strings first, bare numbers otherwise.
func filterLiterals(filter string) []string {
	if lits := quotedLiteralRe.FindAllString(filter, -1); len(lits) > 0 {
		return lits
	}
	return numericLiteralRe.FindAllString(filter, -1)
}

// parameterName derives a parameter name from the identifier on the left
// side of the predicate, falling back to a positional name.
func parameterName(filter string, ordinal int) string {
	if ident := identifierRe.FindString(filter); ident != "" {
		parts := strings.Split(ident, ".")
		return strings.ToLower(parts[len(parts)-1])
	}
	return fmt.Sprintf("param_%d", ordinal+1)
}

// skillName builds a readable name from the tables and metrics the
// exemplar touches, e.g. "order revenue by region".
func skillName(event *models.QueryEvent) string {
	var parts []string
	for _, t := range event.Tables {
		segs := strings.Split(t, ".")
		parts = append(parts, inflection.Singular(segs[len(segs)-1]))
	}
	if len(event.Metrics) > 0 {
		parts = append(parts, event.Metrics[0].Signature)
	}
	name := strings.Join(parts, " ")
	if name == "" {
		name = "skill " + event.Fingerprint
	}
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}
