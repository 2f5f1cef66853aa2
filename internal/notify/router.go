// Package notify turns claim-open transitions into email searches and UI
// notifications.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"claimwatch/internal/correlator"
	"claimwatch/internal/email"
	"claimwatch/internal/metrics"
)

// Searcher is the email-search collaborator.
type Searcher interface {
	Search(ctx context.Context, userEmail, query string) ([]email.Message, error)
}

// ClaimInfo is published synchronously on every claim-open transition.
type ClaimInfo struct {
	ExternalID   string            `json:"external_id"`
	ClaimNumber  string            `json:"claim_number,omitempty"`
	ClaimantName string            `json:"claimant_name,omitempty"`
	ClaimType    metrics.ClaimType `json:"claim_type"`
}

// Result is published once per search. SearchFailed distinguishes an error
// or timeout from a search that found nothing.
type Result struct {
	ID           string          `json:"id"`
	ClaimNumber  string          `json:"claim_number"`
	MatchCount   int             `json:"match_count"`
	SearchFailed bool            `json:"search_failed"`
	Error        string          `json:"error,omitempty"`
	Messages     []email.Message `json:"messages,omitempty"`
	At           time.Time       `json:"at"`
}

// Sink is the UI side. Calls must not block.
type Sink interface {
	ClaimInfo(ClaimInfo)
	SearchResult(Result)
}

// Router implements correlator.Notifier.
type Router struct {
	searcher Searcher
	sink     Sink
	mailbox  string
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewRouter searches mailbox with the given per-search timeout.
func NewRouter(searcher Searcher, sink Sink, mailbox string, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		searcher: searcher,
		sink:     sink,
		mailbox:  mailbox,
		timeout:  timeout,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// ClaimOpened publishes the claim info and starts a search keyed by claim
// number. It returns without waiting for the search. While a search for the
// number is running, a reopen of the same claim shares its result.
func (r *Router) ClaimOpened(o correlator.ClaimOpened) {
	r.sink.ClaimInfo(ClaimInfo{
		ExternalID:   o.ExternalID,
		ClaimNumber:  o.ClaimNumber,
		ClaimantName: o.ClaimantName,
		ClaimType:    o.Type,
	})

	if o.ClaimNumber == "" {
		log.Printf("[notify] claim %s has no claim number, skipping email search", o.ExternalID)
		return
	}

	r.mu.Lock()
	if _, busy := r.inflight[o.ClaimNumber]; busy {
		r.mu.Unlock()
		log.Printf("[notify] search for claim number %s already in flight", o.ClaimNumber)
		return
	}
	r.inflight[o.ClaimNumber] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.search(o.ClaimNumber)
}

func (r *Router) search(claimNumber string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, claimNumber)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res := Result{ID: uuid.NewString(), ClaimNumber: claimNumber}
	msgs, err := r.searcher.Search(ctx, r.mailbox, claimNumber)
	if err != nil {
		log.Printf("[notify] email search for %s failed: %v", claimNumber, err)
		res.SearchFailed = true
		res.Error = err.Error()
	} else {
		res.MatchCount = len(msgs)
		res.Messages = msgs
	}
	res.At = r.now()
	r.sink.SearchResult(res)
}

// Wait blocks until every started search has published its result.
func (r *Router) Wait() {
	r.wg.Wait()
}
