package correlator

import (
	"log"
	"time"

	"claimwatch/internal/invariant"
	"claimwatch/internal/metrics"
)

// Tracker persists correlator output. *metrics.Tracker implements it.
type Tracker interface {
	RecordClaimStart(metrics.ClaimStart) metrics.ClaimRef
	RecordClaimEnd(ref metrics.ClaimRef, end time.Time, durationSeconds int)
	RecordEvent(ref metrics.ClaimRef, p metrics.Payload, at time.Time)
}

// Notifier is told about every claim-open transition after its events have
// been submitted to the tracker. It must not block.
type Notifier interface {
	ClaimOpened(ClaimOpened)
}

// ClaimOpened describes a claim-open transition.
type ClaimOpened struct {
	ExternalID   string
	ClaimNumber  string
	ClaimantName string
	Type         metrics.ClaimType
	At           time.Time
}

// State is the correlator state. Open false is Idle.
type State struct {
	Open        bool
	ExternalID  string
	ClaimNumber string
	Type        metrics.ClaimType
	Start       time.Time
	Ref         metrics.ClaimRef
}

// Correlator is the claim state machine. It is not safe for concurrent use;
// feed it through a Queue.
type Correlator struct {
	tracker  Tracker
	notifier Notifier
	now      func() time.Time
	state    State
}

// New creates an idle correlator. notifier may be nil.
func New(tracker Tracker, notifier Notifier) *Correlator {
	return &Correlator{tracker: tracker, notifier: notifier, now: time.Now}
}

// State returns the current state.
func (c *Correlator) State() State {
	return c.state
}

// Handle applies one input.
func (c *Correlator) Handle(in Input) {
	at := in.Time()
	if at.IsZero() {
		at = c.now()
	}

	switch in := in.(type) {
	case ClaimDetected:
		c.claimDetected(in, at)
	case EndClaim:
		reason := in.Reason
		if reason == "" {
			reason = "ended"
		}
		if c.state.Open {
			c.closeClaim(at, reason)
		}
	case FieldChanged:
		c.record(metrics.FieldChange{Field: in.Field, HasValue: in.HadValue}, at)
	case ValidationResult:
		c.record(metrics.Validation{Field: in.Field, Kind: in.Kind, IsValid: in.IsValid, Message: in.Message}, at)
	case Navigated:
		c.record(metrics.Navigation{Context: in.Context, URL: in.URL}, at)
	case TabChanged:
		c.record(metrics.TabChange{Label: in.Label}, at)
	case PageUnloaded:
		c.record(metrics.PageUnload{Context: in.Context, URL: in.URL}, at)
	case WindowOpenAttempt:
		c.record(metrics.WindowOpenAttempt{Context: in.Context, URL: in.URL, Action: in.Action, ContextID: in.ContextID}, at)
	case RecordDoubleClick:
		c.record(metrics.RecordDoubleClick{Context: in.Context, Target: in.Target}, at)
	default:
		invariant.Violation("correlator received unknown input %T", in)
	}
}

func (c *Correlator) claimDetected(in ClaimDetected, at time.Time) {
	if in.ExternalID == "" {
		log.Printf("[correlator] ignoring claim detection without external id (source=%s)", in.Source)
		return
	}
	if c.state.Open && c.state.ExternalID == in.ExternalID {
		return
	}
	if c.state.Open {
		c.closeClaim(at, "superseded")
	}
	c.openClaim(in, at)
}

func (c *Correlator) openClaim(in ClaimDetected, at time.Time) {
	if c.state.Open {
		invariant.Violation("claim %s opened while %s still open", in.ExternalID, c.state.ExternalID)
		c.closeClaim(at, "superseded")
	}

	typ := metrics.ClassifyInsuranceType(in.InsuranceType)
	ref := c.tracker.RecordClaimStart(metrics.ClaimStart{
		ExternalID:  in.ExternalID,
		ClaimNumber: in.ClaimNumber,
		Type:        typ,
		At:          at,
	})
	c.state = State{
		Open:        true,
		ExternalID:  in.ExternalID,
		ClaimNumber: in.ClaimNumber,
		Type:        typ,
		Start:       at,
		Ref:         ref,
	}

	c.tracker.RecordEvent(ref, metrics.ClaimDetected{
		ExternalID:    in.ExternalID,
		ClaimNumber:   in.ClaimNumber,
		ClaimantName:  in.ClaimantName,
		InsuranceType: in.InsuranceType,
		Source:        in.Source,
	}, at)
	c.tracker.RecordEvent(ref, metrics.ClaimStarted{
		ExternalID:  in.ExternalID,
		ClaimNumber: in.ClaimNumber,
		ClaimType:   typ,
	}, at)
	log.Printf("[correlator] claim %s started type=%s number=%q", in.ExternalID, typ, in.ClaimNumber)

	if c.notifier != nil {
		c.notifier.ClaimOpened(ClaimOpened{
			ExternalID:   in.ExternalID,
			ClaimNumber:  in.ClaimNumber,
			ClaimantName: in.ClaimantName,
			Type:         typ,
			At:           at,
		})
	}
}

func (c *Correlator) closeClaim(at time.Time, reason string) {
	duration := WholeSeconds(c.state.Start, at)
	c.tracker.RecordClaimEnd(c.state.Ref, at, duration)
	c.tracker.RecordEvent(c.state.Ref, metrics.ClaimCompleted{
		ExternalID:      c.state.ExternalID,
		DurationSeconds: duration,
		Reason:          reason,
	}, at)
	log.Printf("[correlator] claim %s completed after %ds (%s)", c.state.ExternalID, duration, reason)
	c.state = State{}
}

func (c *Correlator) record(p metrics.Payload, at time.Time) {
	c.tracker.RecordEvent(c.state.Ref, p, at)
}

// WholeSeconds is the truncated number of seconds from start to end, never
// negative.
func WholeSeconds(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
