// Package correlator infers claim boundaries from page signals. One
// Correlator exists per session and consumes its inputs strictly in arrival
// order through a Queue.
package correlator

import "time"

// Input is the closed set of correlator inputs. Every exported implementation
// lives in this file.
type Input interface {
	input()
	// Time is when the signal was observed. Zero means "now".
	Time() time.Time
}

// ClaimDetected reports that a page shows claim ExternalID.
type ClaimDetected struct {
	ExternalID    string
	ClaimNumber   string
	ClaimantName  string
	InsuranceType string
	Source        string
	At            time.Time
}

// FieldChanged reports an edit. Only whether the field has a value is kept.
type FieldChanged struct {
	Field    string
	HadValue bool
	At       time.Time
}

// ValidationResult reports the outcome of a form validation.
type ValidationResult struct {
	Field   string
	Kind    string
	IsValid bool
	Message string
	At      time.Time
}

// Navigated reports a committed main-frame navigation of Context.
type Navigated struct {
	Context string
	URL     string
	At      time.Time
}

// TabChanged reports a tab switch inside the hosted application.
type TabChanged struct {
	Label string
	At    time.Time
}

// PageUnloaded is a hint only; it never closes a claim.
type PageUnloaded struct {
	Context string
	URL     string
	At      time.Time
}

// EndClaim closes the open claim, if any.
type EndClaim struct {
	// Reason is stored on the claim_completed event. Defaults to "ended".
	Reason string
	At     time.Time
}

// WindowOpenAttempt reports a content request to open a new window, either as
// seen by the page script or as routed by the host. See metrics.OpenCreated.
type WindowOpenAttempt struct {
	Context   string
	URL       string
	Action    string
	ContextID int
	At        time.Time
}

// RecordDoubleClick reports a double click on a record row.
type RecordDoubleClick struct {
	Context string
	Target  string
	At      time.Time
}

func (ClaimDetected) input()     {}
func (FieldChanged) input()      {}
func (ValidationResult) input()  {}
func (Navigated) input()         {}
func (TabChanged) input()        {}
func (PageUnloaded) input()      {}
func (EndClaim) input()          {}
func (WindowOpenAttempt) input() {}
func (RecordDoubleClick) input() {}

func (in ClaimDetected) Time() time.Time     { return in.At }
func (in FieldChanged) Time() time.Time      { return in.At }
func (in ValidationResult) Time() time.Time  { return in.At }
func (in Navigated) Time() time.Time         { return in.At }
func (in TabChanged) Time() time.Time        { return in.At }
func (in PageUnloaded) Time() time.Time      { return in.At }
func (in EndClaim) Time() time.Time          { return in.At }
func (in WindowOpenAttempt) Time() time.Time { return in.At }
func (in RecordDoubleClick) Time() time.Time { return in.At }
