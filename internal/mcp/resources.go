package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claimwatch/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"claimwatch://about",
			"claimwatch About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, the running metrics session and usage notes."),
		),
		s.handleAboutResource,
	)

	if s.deps.UI != nil {
		s.mcpServer.AddResource(
			mcp.NewResource(
				"claimwatch://session",
				"Session State",
				mcp.WithMIMEType(resourceMIMEJSON),
				mcp.WithResourceDescription("Tab lists of both tiers, the open claim and recent email search results."),
			),
			s.handleSessionResource,
		)
	}

	if s.deps.Engine != nil {
		s.mcpServer.AddResourceTemplate(
			mcp.NewResourceTemplate(
				"claimwatch://facts/{predicate}{?limit}",
				"Claim Facts",
				mcp.WithTemplateMIMEType(resourceMIMEJSON),
				mcp.WithTemplateDescription("The most recent buffered facts of one predicate."),
			),
			s.handleFactsResource,
		)
	}
}

func (s *Server) handleAboutResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"notes": []string{
			"Resources are read-only; use tools to switch views or end a claim.",
			"claimwatch://session mirrors the tabs-changed, claim-info and search-result notifications.",
			"Fact predicates: claim, claim_completed, claim_detected, navigation, tab_change, field_change, validation, window_open, record_double_click, page_unload.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	if s.deps.Metrics != nil {
		payload["session_id"] = s.deps.Metrics.SessionID()
		payload["user"] = s.deps.Metrics.User()
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			payload["storage"] = err.Error()
		} else {
			payload["storage"] = "ok"
		}
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleSessionResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, s.deps.UI.State())
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	predicate := argString(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	limit := asInt(request.Params.Arguments["limit"])
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}

	facts := selectRecentFacts(s.deps.Engine, predicate, limit)
	return jsonContents(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	})
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

// selectRecentFacts returns up to limit facts of predicate, oldest first.
func selectRecentFacts(engine *mangle.Engine, predicate string, limit int) []mangle.Fact {
	if engine == nil || limit <= 0 {
		return []mangle.Fact{}
	}
	source := engine.FactsByPredicate(predicate)
	if len(source) > limit {
		source = source[len(source)-limit:]
	}
	out := make([]mangle.Fact, len(source))
	copy(out, source)
	return out
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v any) int {
	var n int
	if _, err := fmt.Sscan(argString(v), &n); err != nil {
		return 0
	}
	return n
}
