// Package tools provides MCP tool implementations for usage-engine.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/services"
)

// ProposalToolDeps contains dependencies for proposal tools.
type ProposalToolDeps struct {
	ProposalService services.ProposalService
	Logger          *zap.Logger
}

// RegisterProposalTools registers proposal-related MCP tools.
func RegisterProposalTools(s *server.MCPServer, deps *ProposalToolDeps) {
	registerListPendingProposalsTool(s, deps)
	registerGetProposalTool(s, deps)
	registerDecideProposalTool(s, deps)
}

// registerListPendingProposalsTool adds the list_pending_proposals tool for
// reviewing patterns the engine has surfaced.
func registerListPendingProposalsTool(s *server.MCPServer, deps *ProposalToolDeps) {
	tool := mcp.NewTool(
		"list_pending_proposals",
		mcp.WithDescription(
			"List pending knowledge-graph proposals awaiting review, ordered by "+
				"descending confidence. Each proposal carries its kind (new_metric, "+
				"deprecate_metric, new_join_recommendation, new_skill), the canonical "+
				"signature it concerns, and the usage evidence behind it. "+
				"Use decide_proposal to approve, reject, or mark one as modified.",
		),
		mcp.WithNumber(
			"limit",
			mcp.Description("Maximum number of proposals to return (default 50)"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := getOptionalInt(req, "limit", 50)

		proposals, err := deps.ProposalService.ListPending(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending proposals: %w", err)
		}

		result := struct {
			Proposals []proposalResponse `json:"proposals"`
			Count     int                `json:"count"`
		}{
			Proposals: make([]proposalResponse, 0, len(proposals)),
			Count:     len(proposals),
		}
		for _, p := range proposals {
			result.Proposals = append(result.Proposals, toProposalResponse(p))
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}

		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

// registerGetProposalTool adds the get_proposal tool for inspecting one
// proposal in full, including evidence samples.
func registerGetProposalTool(s *server.MCPServer, deps *ProposalToolDeps) {
	tool := mcp.NewTool(
		"get_proposal",
		mcp.WithDescription(
			"Get one proposal by id, including full evidence: event count, "+
				"confidence, sample query ids, and for join recommendations the "+
				"relative speed-up with its confidence interval.",
		),
		mcp.WithString(
			"proposal_id",
			mcp.Required(),
			mcp.Description("UUID of the proposal"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idStr, err := req.RequireString("proposal_id")
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid proposal id: %w", err)
		}

		proposal, err := deps.ProposalService.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get proposal: %w", err)
		}

		jsonResult, err := json.Marshal(proposal)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}

		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

// registerDecideProposalTool adds the decide_proposal tool. Decisions are
// terminal; re-deciding returns the original decision unchanged.
func registerDecideProposalTool(s *server.MCPServer, deps *ProposalToolDeps) {
	tool := mcp.NewTool(
		"decide_proposal",
		mcp.WithDescription(
			"Record a decision on a pending proposal. Valid decisions are "+
				"'approved', 'rejected', and 'modified'. Approving a new_metric "+
				"certifies it in the knowledge graph; approving a deprecate_metric "+
				"marks the metric deprecated. Decisions are final: deciding an "+
				"already-decided proposal returns the original decision.",
		),
		mcp.WithString(
			"proposal_id",
			mcp.Required(),
			mcp.Description("UUID of the proposal to decide"),
		),
		mcp.WithString(
			"decision",
			mcp.Required(),
			mcp.Description("One of: approved, rejected, modified"),
		),
		mcp.WithString(
			"actor",
			mcp.Required(),
			mcp.Description("Identity of the reviewer making the decision"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idStr, err := req.RequireString("proposal_id")
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid proposal id: %w", err)
		}
		decision, err := req.RequireString("decision")
		if err != nil {
			return nil, err
		}
		actor, err := req.RequireString("actor")
		if err != nil {
			return nil, err
		}

		result, err := deps.ProposalService.Decide(ctx, id, decision, actor)
		if err != nil {
			return nil, fmt.Errorf("failed to decide proposal: %w", err)
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}

		deps.Logger.Info("proposal decided via mcp",
			zap.String("proposal_id", id.String()),
			zap.String("decision", decision),
			zap.String("actor", actor))

		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

// proposalResponse is the lightweight listing format; full evidence is
// available through get_proposal.
type proposalResponse struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Signature  string  `json:"signature"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
	EventCount int     `json:"event_count"`
}

func toProposalResponse(p *models.Proposal) proposalResponse {
	return proposalResponse{
		ID:         p.ID.String(),
		Kind:       p.Kind,
		Signature:  p.Signature,
		Status:     p.Status,
		Confidence: p.Evidence.Confidence,
		EventCount: p.Evidence.EventCount,
	}
}
