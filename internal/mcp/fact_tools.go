package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"claimwatch/internal/mangle"
)

type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a single-atom Mangle query against the claim facts.

Variables bind, constants filter, _ is ignored. Built-in derived predicates:
open_claim(Id, ExternalId), slow_claim(Id, ExternalId, Seconds),
claim_reopened(ExternalId, FirstId, LaterId), invalid_field(Id, Field),
touched_field(Id, Field).

EXAMPLE: slow_claim(Id, Ext, Seconds).

Returns: {count, results: [{Var: value}]}`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom, e.g. open_claim(Id, Ext).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(results), "results": results}, nil
}

type EvaluateRuleTool struct {
	engine *mangle.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return "Re-evaluate the program and return every fact of a predicate."
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name, e.g. slow_claim",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}

type SubmitRuleTool struct {
	engine *mangle.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add a Mangle rule to the running program. The rule may use any
declared or derived predicate.

EXAMPLE: liability_claim(Ext) :- claim(_, Ext, "liability", _).`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "One or more Mangle clauses",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := getStringArg(args, "rule")
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "accepted"}, nil
}

type QueryTemporalTool struct {
	engine *mangle.Engine
}

func (t *QueryTemporalTool) Name() string { return "query-temporal" }
func (t *QueryTemporalTool) Description() string {
	return `Return buffered facts of a predicate observed inside a time window.
Bounds are unix milliseconds and exclusive; omit one to leave it open.`
}
func (t *QueryTemporalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name, e.g. field_change",
			},
			"after_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Lower bound in unix ms",
			},
			"before_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Upper bound in unix ms",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *QueryTemporalTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	var after, before time.Time
	if ms := getIntArg(args, "after_ms", 0); ms > 0 {
		after = time.UnixMilli(int64(ms))
	}
	if ms := getIntArg(args, "before_ms", 0); ms > 0 {
		before = time.UnixMilli(int64(ms))
	}
	facts := t.engine.QueryTemporal(predicate, after, before)
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}
