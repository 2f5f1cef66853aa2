// Package metrics is the session metrics façade: it owns the session and claim
// identifiers, serializes writes per session, and answers aggregate queries.
package metrics

// ClaimType is the derived business line of a claim.
type ClaimType string

const (
	Liability   ClaimType = "liability"
	WorkersComp ClaimType = "workers_comp"
	Unknown     ClaimType = "unknown"
)

// ClassifyInsuranceType maps a raw insurance type code to a claim type.
func ClassifyInsuranceType(code string) ClaimType {
	switch code {
	case "1":
		return Liability
	case "2":
		return WorkersComp
	default:
		return Unknown
	}
}

// Event types as stored.
const (
	TypeClaimDetected     = "claim_detected"
	TypeClaimStarted      = "claim_started"
	TypeClaimCompleted    = "claim_completed"
	TypeTabChange         = "tab_change"
	TypeFieldChange       = "field_change"
	TypeValidation        = "validation"
	TypeNavigation        = "navigation"
	TypeWindowOpenAttempt = "window_open_attempt"
	TypeRecordDoubleClick = "record_double_click"
	TypePageUnload        = "page_unload"
)

// Payload is the closed set of event payloads. Every implementation lives in
// this file.
type Payload interface {
	EventType() string
	payload()
}

type ClaimDetected struct {
	ExternalID    string `json:"external_id"`
	ClaimNumber   string `json:"claim_number,omitempty"`
	ClaimantName  string `json:"claimant_name,omitempty"`
	InsuranceType string `json:"insurance_type,omitempty"`
	Source        string `json:"source,omitempty"`
}

type ClaimStarted struct {
	ExternalID  string    `json:"external_id"`
	ClaimNumber string    `json:"claim_number,omitempty"`
	ClaimType   ClaimType `json:"claim_type"`
}

type ClaimCompleted struct {
	ExternalID      string `json:"external_id"`
	DurationSeconds int    `json:"duration_seconds"`
	// Reason is "superseded", "ended" or "shutdown".
	Reason string `json:"reason"`
}

type TabChange struct {
	Label string `json:"label"`
}

// FieldChange never carries the field's value.
type FieldChange struct {
	Field    string `json:"field"`
	HasValue bool   `json:"has_value"`
}

type Validation struct {
	Field   string `json:"field"`
	Kind    string `json:"kind,omitempty"`
	IsValid bool   `json:"is_valid"`
	Message string `json:"message,omitempty"`
}

type Navigation struct {
	Context string `json:"context"`
	URL     string `json:"url"`
}

// Window-open actions. A content window.open yields two rows: Intercepted
// from the page script, with the URL as the page passed it, then Created or
// Switched from the host once the request was routed to a nested context.
// Only the routed row carries a ContextID.
const (
	OpenIntercepted = "intercepted"
	OpenCreated     = "created"
	OpenSwitched    = "switched"
)

type WindowOpenAttempt struct {
	Context   string `json:"context"`
	URL       string `json:"url"`
	Action    string `json:"action"`
	ContextID int    `json:"context_id,omitempty"`
}

type RecordDoubleClick struct {
	Context string `json:"context"`
	Target  string `json:"target,omitempty"`
}

type PageUnload struct {
	Context string `json:"context"`
	URL     string `json:"url,omitempty"`
}

func (ClaimDetected) EventType() string     { return TypeClaimDetected }
func (ClaimStarted) EventType() string      { return TypeClaimStarted }
func (ClaimCompleted) EventType() string    { return TypeClaimCompleted }
func (TabChange) EventType() string         { return TypeTabChange }
func (FieldChange) EventType() string       { return TypeFieldChange }
func (Validation) EventType() string        { return TypeValidation }
func (Navigation) EventType() string        { return TypeNavigation }
func (WindowOpenAttempt) EventType() string { return TypeWindowOpenAttempt }
func (RecordDoubleClick) EventType() string { return TypeRecordDoubleClick }
func (PageUnload) EventType() string        { return TypePageUnload }

func (ClaimDetected) payload()     {}
func (ClaimStarted) payload()      {}
func (ClaimCompleted) payload()    {}
func (TabChange) payload()         {}
func (FieldChange) payload()       {}
func (Validation) payload()        {}
func (Navigation) payload()        {}
func (WindowOpenAttempt) payload() {}
func (RecordDoubleClick) payload() {}
func (PageUnload) payload()        {}
