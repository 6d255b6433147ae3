package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/graph"
	"github.com/lumenlayer/usage-engine/pkg/services"
)

// StatsToolDeps contains dependencies for the usage_stats tool.
type StatsToolDeps struct {
	Store     *graph.Store
	Pipeline  *services.IngestPipeline
	Updater   services.GraphUpdater
	Scheduler *services.Scheduler
	Logger    *zap.Logger
}

// RegisterStatsTools registers the usage_stats MCP tool.
func RegisterStatsTools(s *server.MCPServer, deps *StatsToolDeps) {
	tool := mcp.NewTool(
		"usage_stats",
		mcp.WithDescription(
			"Get a snapshot of the usage knowledge graph and pipeline health: "+
				"table, join-edge, and metric counts, ingestion queue depth, "+
				"malformed and dead-lettered event counters, and background job "+
				"run statistics.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tables, edges, metrics := deps.Store.Counts()

		result := struct {
			Tables     int                     `json:"tables"`
			Edges      int                     `json:"edges"`
			Metrics    int                     `json:"metrics"`
			QueueDepth int                     `json:"queue_depth"`
			Pipeline   services.PipelineStats  `json:"pipeline"`
			Updater    services.UpdaterStats   `json:"updater"`
			Scheduler  services.SchedulerStats `json:"scheduler"`
		}{
			Tables:     tables,
			Edges:      edges,
			Metrics:    metrics,
			QueueDepth: deps.Pipeline.QueueDepth(),
			Pipeline:   deps.Pipeline.Stats(),
			Updater:    deps.Updater.Stats(),
			Scheduler:  deps.Scheduler.Stats(),
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}

		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}
