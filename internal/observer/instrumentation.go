package observer

import (
	"log"
	"strings"
	"time"

	"claimwatch/internal/correlator"
	"claimwatch/internal/metrics"
	"claimwatch/internal/signals"
	"claimwatch/internal/views"
)

// Instrumentation signal types emitted by the injected page script.
const (
	SignalClaimDetected     = "claim_detected"
	SignalTabChange         = "tab_change"
	SignalFieldChange       = "field_change"
	SignalValidation        = "validation"
	SignalWindowOpenAttempt = "window_open_attempt"
	SignalRecordDoubleClick = "record_double_click"
	SignalPageUnload        = "page_unload"
)

// Signal is one record drained from the page's instrumentation buffer.
type Signal struct {
	Type string `json:"type"`
	// Timestamp is milliseconds since the epoch as reported by the page.
	Timestamp int64 `json:"timestamp"`

	URL       string   `json:"url"`
	Title     string   `json:"title"`
	FrameURLs []string `json:"frameUrls"`

	ClaimID       string `json:"claimId"`
	ClaimNumber   string `json:"claimNumber"`
	ClaimantID    string `json:"claimantId"`
	ClaimantName  string `json:"claimantName"`
	InsuranceType string `json:"insuranceType"`

	Field    string   `json:"field"`
	HasValue bool     `json:"hasValue"`
	Kind     string   `json:"kind"`
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Label    string   `json:"label"`
	Target   string   `json:"target"`
}

// OnInstrumentation forwards a page signal from ref. Signals from closed
// contexts and unknown types are dropped.
func (o *Observer) OnInstrumentation(ref views.Ref, sig Signal) {
	if _, ok := o.views.Get(ref); !ok {
		log.Printf("[observer] dropping %s signal for closed context %s", sig.Type, ref)
		return
	}
	at := o.now()
	if sig.Timestamp > 0 {
		at = time.UnixMilli(sig.Timestamp)
	}

	switch sig.Type {
	case SignalClaimDetected:
		o.claimSignal(sig, at)
	case SignalTabChange:
		o.submit(correlator.TabChanged{Label: sig.Label, At: at})
	case SignalFieldChange:
		o.submit(correlator.FieldChanged{Field: sig.Field, HadValue: sig.HasValue, At: at})
	case SignalValidation:
		o.submit(correlator.ValidationResult{
			Field:   sig.Field,
			Kind:    sig.Kind,
			IsValid: sig.IsValid,
			Message: strings.Join(sig.Errors, "; "),
			At:      at,
		})
	case SignalWindowOpenAttempt:
		// The routed row follows from OnNewContextRequested.
		o.submit(correlator.WindowOpenAttempt{Context: ref.String(), URL: sig.URL, Action: metrics.OpenIntercepted, At: at})
	case SignalRecordDoubleClick:
		o.submit(correlator.RecordDoubleClick{Context: ref.String(), Target: sig.Target, At: at})
	case SignalPageUnload:
		o.submit(correlator.PageUnloaded{Context: ref.String(), URL: sig.URL, At: at})
	default:
		log.Printf("[observer] unknown instrumentation signal %q from %s", sig.Type, ref)
	}
}

// claimSignal uses the page's own claim fields when present and falls back
// to the extractor over the reported URL, frames and title.
func (o *Observer) claimSignal(sig Signal, at time.Time) {
	if sig.ClaimID != "" {
		name := sig.ClaimantName
		if name == "" {
			name = strings.TrimSpace(sig.Title)
		}
		o.submit(correlator.ClaimDetected{
			ExternalID:    sig.ClaimID,
			ClaimNumber:   sig.ClaimNumber,
			ClaimantName:  name,
			InsuranceType: sig.InsuranceType,
			Source:        "instrumentation",
			At:            at,
		})
		return
	}
	o.detect(signals.Page{URL: sig.URL, Title: sig.Title, FrameURLs: sig.FrameURLs}, at)
}
