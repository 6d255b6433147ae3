package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
)

// SkillToolDeps contains dependencies for skill tools.
type SkillToolDeps struct {
	SkillRepo repositories.SkillRepository
	Logger    *zap.Logger
}

// RegisterSkillTools registers skill-related MCP tools.
func RegisterSkillTools(s *server.MCPServer, deps *SkillToolDeps) {
	registerListSkillsTool(s, deps)
	registerGetSkillTool(s, deps)
}

// registerListSkillsTool adds the list_skills tool for discovering reusable
// query templates distilled from usage.
func registerListSkillsTool(s *server.MCPServer, deps *SkillToolDeps) {
	tool := mcp.NewTool(
		"list_skills",
		mcp.WithDescription(
			"List consolidated query skills, ordered by how often their shape "+
				"was observed. Each skill is a parameterized template distilled from "+
				"repeated structurally similar successful queries. "+
				"Use get_skill to retrieve the full template and parameter samples.",
		),
		mcp.WithNumber(
			"limit",
			mcp.Description("Maximum number of skills to return (default 50)"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := getOptionalInt(req, "limit", 50)

		skills, err := deps.SkillRepo.List(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list skills: %w", err)
		}

		result := struct {
			Skills []skillResponse `json:"skills"`
			Count  int             `json:"count"`
		}{
			Skills: make([]skillResponse, 0, len(skills)),
			Count:  len(skills),
		}
		for _, skill := range skills {
			result.Skills = append(result.Skills, toSkillResponse(skill))
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}

		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

// registerGetSkillTool adds the get_skill tool for retrieving one skill's
// template and parameters by fingerprint.
func registerGetSkillTool(s *server.MCPServer, deps *SkillToolDeps) {
	tool := mcp.NewTool(
		"get_skill",
		mcp.WithDescription(
			"Get one skill by structural fingerprint. Returns the full query "+
				"template with {{parameter}} placeholders, the inferred parameters "+
				"with sample values, and the usage statistics behind the skill. "+
				"Use list_skills first to discover fingerprints.",
		),
		mcp.WithString(
			"fingerprint",
			mcp.Required(),
			mcp.Description("Structural fingerprint of the skill to look up"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fingerprint, err := req.RequireString("fingerprint")
		if err != nil {
			return nil, err
		}

		skill, err := deps.SkillRepo.GetByFingerprint(ctx, fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to get skill: %w", err)
		}
		if skill == nil {
			notFoundResult := struct {
				Error       string `json:"error"`
				Fingerprint string `json:"fingerprint"`
			}{
				Error:       "Skill not found",
				Fingerprint: fingerprint,
			}

			jsonResult, err := json.Marshal(notFoundResult)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal result: %w", err)
			}

			return mcp.NewToolResultText(string(jsonResult)), nil
		}

		jsonResult, err := json.Marshal(skill)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}

		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

// skillResponse is the lightweight listing format for list_skills.
type skillResponse struct {
	Name         string  `json:"name"`
	Fingerprint  string  `json:"fingerprint"`
	Parameters   int     `json:"parameters"`
	EventCount   int     `json:"event_count"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

func toSkillResponse(skill *models.Skill) skillResponse {
	return skillResponse{
		Name:         skill.Name,
		Fingerprint:  skill.Fingerprint,
		Parameters:   len(skill.Parameters),
		EventCount:   skill.EventCount,
		SuccessRate:  skill.SuccessRate,
		AvgLatencyMs: skill.AvgLatencyMs,
	}
}
