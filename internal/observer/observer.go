// Package observer normalizes content-host signals into correlator inputs and
// turns new-window requests into nested contexts.
package observer

import (
	"log"
	"time"

	"claimwatch/internal/correlator"
	"claimwatch/internal/metrics"
	"claimwatch/internal/signals"
	"claimwatch/internal/views"
)

// Submitter accepts correlator inputs. *correlator.Queue implements it.
type Submitter interface {
	Submit(correlator.Input) error
}

// Registry is the part of *views.Manager the observer uses.
type Registry interface {
	Get(ref views.Ref) (views.Context, bool)
	SetURL(ref views.Ref, url string) bool
	Retitle(ref views.Ref, title string) bool
	FindNestedByURL(normalized string) (int, bool)
	CreateNested(url, title string, switchTo, closable bool) (int, error)
	SwitchNested(id int) bool
	SwitchTopLevel(id int) bool
	TopLevelID(kind views.Kind) (int, bool)
}

// Action is the answer to a content's own window-open request.
type Action string

const ActionDeny Action = "deny"

// Decision reports what happened to a new-window request. The content's
// request is always denied; the URL lands in a nested context instead.
type Decision struct {
	Action    Action `json:"action"`
	URL       string `json:"url"`
	ContextID int    `json:"context_id,omitempty"`
	Reused    bool   `json:"reused"`
}

// Observer is safe for concurrent use; ordering is provided by the registry
// lock and the correlator queue.
type Observer struct {
	views     Registry
	out       Submitter
	extractor signals.Extractor
	now       func() time.Time
}

// New builds an observer. A nil extractor uses signals.Default.
func New(reg Registry, out Submitter, extractor signals.Extractor) *Observer {
	if extractor == nil {
		extractor = signals.Default
	}
	return &Observer{views: reg, out: out, extractor: extractor, now: time.Now}
}

// OnNavigated records a committed navigation of ref and forwards it. Nested
// contexts are also scanned for claim signals in the URL only: the registry
// title still belongs to the previous document until OnTitleChanged.
func (o *Observer) OnNavigated(ref views.Ref, url string) {
	if !o.views.SetURL(ref, url) {
		log.Printf("[observer] dropping navigation for closed context %s", ref)
		return
	}
	at := o.now()
	o.submit(correlator.Navigated{Context: ref.String(), URL: url, At: at})

	if ref.Tier == views.Nested {
		o.detect(signals.Page{URL: url}, at)
	}
}

// OnTitleChanged records a title change of ref.
func (o *Observer) OnTitleChanged(ref views.Ref, title string) {
	if !o.views.Retitle(ref, title) {
		return
	}
	if ref.Tier == views.Nested {
		ctx, _ := o.views.Get(ref)
		o.detect(signals.Page{URL: ctx.URL, Title: title}, o.now())
	}
}

// OnNewContextRequested denies the content's own window and opens or reuses
// a nested context for the requested URL instead.
func (o *Observer) OnNewContextRequested(ref views.Ref, requested string) Decision {
	base := ""
	if ctx, ok := o.views.Get(ref); ok {
		base = ctx.URL
	}
	resolved := views.ResolveURL(base, requested)
	decision := Decision{Action: ActionDeny, URL: resolved}
	if resolved == "" {
		return decision
	}

	if web, ok := o.views.TopLevelID(views.KindWebContainer); ok {
		o.views.SwitchTopLevel(web)
	}

	action := metrics.OpenCreated
	if id, ok := o.views.FindNestedByURL(views.NormalizeURL(resolved)); ok {
		o.views.SwitchNested(id)
		decision.ContextID = id
		decision.Reused = true
		action = metrics.OpenSwitched
	} else {
		id, err := o.views.CreateNested(resolved, "Loading...", true, true)
		if err != nil {
			log.Printf("[observer] new context for %s failed: %v", resolved, err)
			return decision
		}
		decision.ContextID = id
	}

	o.submit(correlator.WindowOpenAttempt{
		Context:   ref.String(),
		URL:       resolved,
		Action:    action,
		ContextID: decision.ContextID,
		At:        o.now(),
	})
	return decision
}

func (o *Observer) detect(page signals.Page, at time.Time) {
	claim, ok := o.extractor.Extract(page)
	if !ok {
		return
	}
	o.submit(correlator.ClaimDetected{
		ExternalID:    claim.ExternalID,
		ClaimNumber:   claim.ClaimNumber,
		ClaimantName:  claim.ClaimantName,
		InsuranceType: claim.InsuranceType,
		Source:        claim.Source,
		At:            at,
	})
}

func (o *Observer) submit(in correlator.Input) {
	if err := o.out.Submit(in); err != nil {
		log.Printf("[observer] dropping %T: %v", in, err)
	}
}
