package mangle

import (
	"context"
	"log"

	"claimwatch/internal/metrics"
)

// Mirror turns persisted metrics records into facts. It implements
// metrics.Observer and runs on the tracker's writer goroutine.
type Mirror struct {
	engine *Engine
}

func NewMirror(e *Engine) *Mirror {
	return &Mirror{engine: e}
}

func (m *Mirror) Recorded(r metrics.Record) {
	facts := FactsFor(r)
	if len(facts) == 0 {
		return
	}
	if err := m.engine.AddFacts(context.Background(), facts); err != nil {
		log.Printf("[mangle] %s facts rejected: %v", r.Payload.EventType(), err)
	}
}

// FactsFor maps one record to the facts declared in the claims schema.
func FactsFor(r metrics.Record) []Fact {
	at := r.At.UnixMilli()
	fact := func(predicate string, args ...interface{}) []Fact {
		return []Fact{{Predicate: predicate, Args: args, Timestamp: r.At}}
	}

	switch p := r.Payload.(type) {
	case metrics.ClaimStarted:
		return fact("claim", r.ClaimID, p.ExternalID, string(p.ClaimType), at)
	case metrics.ClaimCompleted:
		return fact("claim_completed", r.ClaimID, int64(p.DurationSeconds), p.Reason, at)
	case metrics.ClaimDetected:
		return fact("claim_detected", p.ExternalID, p.Source, at)
	case metrics.Navigation:
		return fact("navigation", p.Context, p.URL, at)
	case metrics.TabChange:
		return fact("tab_change", r.ClaimID, p.Label, at)
	case metrics.FieldChange:
		return fact("field_change", r.ClaimID, p.Field, p.HasValue, at)
	case metrics.Validation:
		return fact("validation", r.ClaimID, p.Field, p.IsValid, at)
	case metrics.WindowOpenAttempt:
		return fact("window_open", p.Context, p.URL, p.Action, at)
	case metrics.RecordDoubleClick:
		return fact("record_double_click", p.Context, p.Target, at)
	case metrics.PageUnload:
		return fact("page_unload", p.Context, p.URL, at)
	}
	return nil
}
