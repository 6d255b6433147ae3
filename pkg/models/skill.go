package models

import (
	"time"

	"github.com/google/uuid"
)

// SkillParameter describes one named parameter abstracted out of the
// varying filter literals across a skill's source events.
type SkillParameter struct {
	Name string `json:"name"`
	// Position is the index of the filter predicate the parameter was
	// inferred from.
	Position int `json:"position"`
	// Samples holds distinct literal values observed across the group.
	Samples []string `json:"samples,omitempty"`
}

// Skill is a parameterized, reusable query template distilled from
// repeated structurally similar successful queries. Immutable after
// creation except for usage statistics.
type Skill struct {
	ID          uuid.UUID        `json:"id"`
	Name        string           `json:"name"`
	Fingerprint string           `json:"fingerprint"`
	Template    string           `json:"template"`
	Parameters  []SkillParameter `json:"parameters"`

	SourceEventIDs []string `json:"source_event_ids"`
	EventCount     int      `json:"event_count"`
	SuccessRate    float64  `json:"success_rate"`
	AvgLatencyMs   float64  `json:"avg_latency_ms"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
