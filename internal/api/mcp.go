package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pausely/pausely/internal/skillbook"
	"github.com/pausely/pausely/internal/storage"
)

// Intervention tiers the LLM layer may record.
const (
	TierAnalyst    = "analyst"
	TierNegotiator = "negotiator"
	TierTherapist  = "therapist"
)

// MCPDeps holds dependencies for the MCP server consumed by the
// intervention LLM layer.
type MCPDeps struct {
	Store     *storage.Store
	Skillbook *skillbook.Adapter
}

// NewMCPServer creates an MCP server exposing the skillbook and interaction
// recording to the intervention layer.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pausely",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("pausely — purchase-pause backend: record interventions and read learned user strategies."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("record_intervention",
			mcp.WithDescription("Record a new purchase intervention shown to a user. Returns the interaction id used for later feedback."),
			mcp.WithString("user_id", mcp.Description("Owner of the interaction"), mcp.Required()),
			mcp.WithString("tier", mcp.Description("Intervention tier: analyst, negotiator, or therapist"), mcp.Required()),
			mcp.WithString("purchase_context", mcp.Description("What the user was about to buy")),
			mcp.WithString("reasoning", mcp.Description("Why the intervention took this shape")),
			mcp.WithNumber("risk_score", mcp.Description("Impulse risk score 0-100")),
			mcp.WithString("card_id", mcp.Description("Optional card reference")),
		),
		mcpRecordIntervention(deps),
	)

	s.AddTool(
		mcp.NewTool("get_skillbook",
			mcp.WithDescription("Return the user's learned strategies as a prompt-ready string."),
			mcp.WithString("user_id", mcp.Description("User to load strategies for"), mcp.Required()),
		),
		mcpGetSkillbook(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_interventions",
			mcp.WithDescription("List a user's recent interventions with their outcomes."),
			mcp.WithString("user_id", mcp.Description("User to list interventions for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpRecentInterventions(deps),
	)

	return s
}

func mcpRecordIntervention(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		tier, err := req.RequireString("tier")
		if err != nil {
			return mcpError("tier is required"), nil
		}
		switch tier {
		case TierAnalyst, TierNegotiator, TierTherapist:
		default:
			return mcpError(fmt.Sprintf("invalid tier %q", tier)), nil
		}

		inter := storage.Interaction{
			ID:               uuid.New().String(),
			UserID:           userID,
			CardID:           req.GetString("card_id", ""),
			Tier:             tier,
			Status:           storage.InteractionPending,
			ReasoningSummary: req.GetString("reasoning", ""),
			CreatedAt:        time.Now().UTC(),
		}
		if score := req.GetInt("risk_score", -1); score >= 0 && score <= 100 {
			inter.RiskScore = &score
		}
		if pc := req.GetString("purchase_context", ""); pc != "" {
			b, err := json.Marshal(map[string]string{"purchaseContext": pc})
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal metadata: %v", err)), nil
			}
			inter.Metadata = string(b)
		}

		if err := deps.Store.SaveInteraction(ctx, inter); err != nil {
			return mcpError(fmt.Sprintf("failed to save interaction: %v", err)), nil
		}
		return mcpText(inter.ID), nil
	}
}

func mcpGetSkillbook(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		sb, err := deps.Skillbook.Load(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load skillbook: %v", err)), nil
		}
		return mcpText(skillbook.PromptContext(sb)), nil
	}
}

func mcpRecentInterventions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		interactions, err := deps.Store.ListRecentInteractions(ctx, userID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list interventions: %v", err)), nil
		}

		type summary struct {
			ID        string `json:"id"`
			Tier      string `json:"tier"`
			Status    string `json:"status"`
			Outcome   string `json:"outcome,omitempty"`
			Reasoning string `json:"reasoning,omitempty"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]summary, len(interactions))
		for i, ix := range interactions {
			reasoning := ix.ReasoningSummary
			if utf8.RuneCountInString(reasoning) > 200 {
				runes := []rune(reasoning)
				reasoning = string(runes[:200]) + "..."
			}
			summaries[i] = summary{
				ID:        ix.ID,
				Tier:      ix.Tier,
				Status:    ix.Status,
				Outcome:   ix.Outcome,
				Reasoning: reasoning,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal interventions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
