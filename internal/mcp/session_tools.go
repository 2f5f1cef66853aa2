package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"claimwatch/internal/correlator"
	"claimwatch/internal/recorder"
	"claimwatch/internal/store"
)

type CurrentClaimTool struct {
	claims Claims
	ui     *UI
}

func (t *CurrentClaimTool) Name() string { return "current-claim" }
func (t *CurrentClaimTool) Description() string {
	return `Report the claim currently being worked on.

Waits until every signal observed so far has been correlated, so the answer
reflects the latest page the user has seen.

Returns: {open, external_id, claim_number, claim_type, started_at,
elapsed_seconds} plus the latest email search result when available.`
}
func (t *CurrentClaimTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *CurrentClaimTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	st, err := t.claims.State(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"open": st.Open}
	if st.Open {
		out["external_id"] = st.ExternalID
		out["claim_number"] = st.ClaimNumber
		out["claim_type"] = st.Type
		out["started_at"] = st.Start
		out["elapsed_seconds"] = correlator.WholeSeconds(st.Start, time.Now())
	}
	if t.ui != nil {
		if r, ok := t.ui.LatestResult(); ok {
			out["email"] = r
		}
	}
	return out, nil
}

type EndClaimTool struct {
	claims Claims
}

func (t *EndClaimTool) Name() string { return "end-claim" }
func (t *EndClaimTool) Description() string {
	return `Close the open claim now and record its duration. Does nothing when
no claim is open.`
}
func (t *EndClaimTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Stored on the completion event (default: ended)",
			},
		},
	}
}
func (t *EndClaimTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	before, err := t.claims.State(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.claims.Submit(correlator.EndClaim{Reason: getStringArg(args, "reason")}); err != nil {
		return nil, err
	}
	after, err := t.claims.State(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"ended":       before.Open && !after.Open,
		"external_id": before.ExternalID,
	}, nil
}

type SessionSummaryTool struct {
	metrics Metrics
}

func (t *SessionSummaryTool) Name() string { return "session-summary" }
func (t *SessionSummaryTool) Description() string {
	return `Summarize a metrics session: claim count, average claim duration and
event count. Defaults to the running session.`
}
func (t *SessionSummaryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "integer",
				"description": "Session to summarize (default: current)",
			},
		},
	}
}
func (t *SessionSummaryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := int64(getIntArg(args, "session_id", 0))
	if id <= 0 {
		return t.metrics.CurrentSummary(ctx)
	}
	return t.metrics.SessionSummary(ctx, id)
}

type ClaimMetricsTool struct {
	metrics Metrics
}

func (t *ClaimMetricsTool) Name() string { return "claim-metrics" }
func (t *ClaimMetricsTool) Description() string {
	return `Aggregate completed claims per claim type: count plus average, minimum
and maximum duration. Every filter is optional.`
}
func (t *ClaimMetricsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"from": map[string]interface{}{
				"type":        "string",
				"description": "Only claims started at or after this date (RFC 3339 or YYYY-MM-DD)",
			},
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Only claims started before this date",
			},
			"claim_type": map[string]interface{}{
				"type":        "string",
				"description": "workers_comp, liability or unknown",
			},
			"user": map[string]interface{}{
				"type":        "string",
				"description": "Only sessions of this user",
			},
		},
	}
}
func (t *ClaimMetricsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	from, err := getTimeArg(args, "from")
	if err != nil {
		return nil, err
	}
	to, err := getTimeArg(args, "to")
	if err != nil {
		return nil, err
	}
	rows, err := t.metrics.ClaimMetrics(ctx, store.ClaimFilter{
		From:      from,
		To:        to,
		ClaimType: getStringArg(args, "claim_type"),
		User:      getStringArg(args, "user"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(rows), "metrics": rows}, nil
}

type UserMetricsTool struct {
	metrics Metrics
}

func (t *UserMetricsTool) Name() string { return "user-metrics" }
func (t *UserMetricsTool) Description() string {
	return "Aggregate sessions and claims of one user. Defaults to the session user."
}
func (t *UserMetricsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"user": map[string]interface{}{
				"type":        "string",
				"description": "User identity (default: current session user)",
			},
		},
	}
}
func (t *UserMetricsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	user := getStringArg(args, "user")
	if user == "" {
		user = t.metrics.User()
	}
	if user == "" {
		return nil, fmt.Errorf("user is required")
	}
	return t.metrics.UserMetrics(ctx, user)
}

type ListTracesTool struct {
	dir string
}

func (t *ListTracesTool) Name() string { return "list-traces" }
func (t *ListTracesTool) Description() string {
	return `List recorded session traces, newest first. Pass a file name to read
the entries of one trace.`
}
func (t *ListTracesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"file": map[string]interface{}{
				"type":        "string",
				"description": "Trace file name as returned by a previous call",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Return only the last N entries (default: 100)",
			},
		},
	}
}
func (t *ListTracesTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "file")
	if name == "" {
		files, err := recorder.Files(t.dir)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = filepath.Base(f)
		}
		return map[string]interface{}{"traces": names}, nil
	}

	if filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid trace name %q", name)
	}
	entries, err := recorder.Read(filepath.Join(t.dir, name))
	if err != nil {
		return nil, err
	}
	limit := getIntArg(args, "limit", 100)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return map[string]interface{}{"file": name, "count": len(entries), "entries": entries}, nil
}
