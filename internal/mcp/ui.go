package mcp

import (
	"sync"

	"claimwatch/internal/mangle"
	"claimwatch/internal/notify"
	"claimwatch/internal/views"
)

// Notification methods pushed to connected clients.
const (
	NotifyTabsChanged  = "notifications/claimwatch/tabs_changed"
	NotifyClaimInfo    = "notifications/claimwatch/claim_info"
	NotifySearchResult = "notifications/claimwatch/search_result"
	NotifyDerived      = "notifications/claimwatch/derived"
)

const maxRecent = 20

// Publisher forwards one notification to clients. It must not block.
type Publisher func(method string, params map[string]any)

// UI is the client-facing side of the session. It implements views.Sink and
// notify.Sink, keeps the latest state for resources and tools, and publishes
// every update.
type UI struct {
	mu      sync.RWMutex
	tiers   map[views.Tier]views.Snapshot
	claim   *notify.ClaimInfo
	results []notify.Result
	derived []mangle.WatchEvent
	publish Publisher
}

// UIState is what the session resource reports.
type UIState struct {
	TopLevel views.Snapshot      `json:"top_level"`
	Nested   views.Snapshot      `json:"nested"`
	Claim    *notify.ClaimInfo   `json:"claim,omitempty"`
	Results  []notify.Result     `json:"results"`
	Derived  []mangle.WatchEvent `json:"derived"`
}

func NewUI() *UI {
	return &UI{
		tiers: map[views.Tier]views.Snapshot{
			views.TopLevel: {Tier: views.TopLevel},
			views.Nested:   {Tier: views.Nested},
		},
	}
}

func (u *UI) SetPublisher(p Publisher) {
	u.mu.Lock()
	u.publish = p
	u.mu.Unlock()
}

// TabsChanged runs under the view manager's lock.
func (u *UI) TabsChanged(s views.Snapshot) {
	u.mu.Lock()
	u.tiers[s.Tier] = s
	p := u.publish
	u.mu.Unlock()

	if p != nil {
		p(NotifyTabsChanged, map[string]any{"tier": s.Tier.String(), "tabs": s.Tabs})
	}
}

func (u *UI) ClaimInfo(info notify.ClaimInfo) {
	u.mu.Lock()
	u.claim = &info
	p := u.publish
	u.mu.Unlock()

	if p != nil {
		p(NotifyClaimInfo, map[string]any{"claim": info})
	}
}

func (u *UI) SearchResult(r notify.Result) {
	u.mu.Lock()
	u.results = appendRecent(u.results, r)
	p := u.publish
	u.mu.Unlock()

	if p != nil {
		p(NotifySearchResult, map[string]any{"result": r})
	}
}

// Derived records facts newly derived for a watched predicate.
func (u *UI) Derived(ev mangle.WatchEvent) {
	u.mu.Lock()
	u.derived = appendRecent(u.derived, ev)
	p := u.publish
	u.mu.Unlock()

	if p != nil {
		p(NotifyDerived, map[string]any{"predicate": ev.Predicate, "facts": ev.Facts})
	}
}

// LatestResult returns the most recent email search result.
func (u *UI) LatestResult() (notify.Result, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if len(u.results) == 0 {
		return notify.Result{}, false
	}
	return u.results[len(u.results)-1], true
}

func (u *UI) State() UIState {
	u.mu.RLock()
	defer u.mu.RUnlock()

	st := UIState{
		TopLevel: u.tiers[views.TopLevel],
		Nested:   u.tiers[views.Nested],
		Results:  append([]notify.Result(nil), u.results...),
		Derived:  append([]mangle.WatchEvent(nil), u.derived...),
	}
	if u.claim != nil {
		c := *u.claim
		st.Claim = &c
	}
	return st
}

func appendRecent[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > maxRecent {
		s = append(s[:0:0], s[len(s)-maxRecent:]...)
	}
	return s
}
