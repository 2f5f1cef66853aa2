package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimwatch/internal/correlator"
	"claimwatch/internal/email"
	"claimwatch/internal/metrics"
)

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	release chan struct{}
	result  []email.Message
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, mailbox, query string) ([]email.Message, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeSearcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type recordingSink struct {
	mu      sync.Mutex
	infos   []ClaimInfo
	results []Result
}

func (s *recordingSink) ClaimInfo(i ClaimInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, i)
}

func (s *recordingSink) SearchResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func TestSearchResultPublishedOnce(t *testing.T) {
	searcher := &fakeSearcher{result: []email.Message{{ID: "a"}, {ID: "b"}}}
	sink := &recordingSink{}
	r := NewRouter(searcher, sink, "inbox@example.com", time.Second)

	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "778899", ClaimNumber: "WC-1", Type: metrics.WorkersComp, ClaimantName: "Jane"})
	r.Wait()

	require.Len(t, sink.infos, 1)
	assert.Equal(t, ClaimInfo{ExternalID: "778899", ClaimNumber: "WC-1", ClaimantName: "Jane", ClaimType: metrics.WorkersComp}, sink.infos[0])
	require.Len(t, sink.results, 1)
	res := sink.results[0]
	assert.Equal(t, "WC-1", res.ClaimNumber)
	assert.Equal(t, 2, res.MatchCount)
	assert.False(t, res.SearchFailed)
	assert.NotEmpty(t, res.ID)
}

func TestNoClaimNumberNoSearch(t *testing.T) {
	searcher := &fakeSearcher{}
	sink := &recordingSink{}
	r := NewRouter(searcher, sink, "inbox@example.com", time.Second)

	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "A"})
	r.Wait()

	assert.Zero(t, searcher.count())
	assert.Len(t, sink.infos, 1)
	assert.Empty(t, sink.results)
}

func TestFailuresDegradeToZeroMatches(t *testing.T) {
	tests := []struct {
		name     string
		searcher *fakeSearcher
		timeout  time.Duration
	}{
		{"provider error", &fakeSearcher{err: errors.New("401 unauthorized")}, time.Second},
		{"timeout", &fakeSearcher{release: make(chan struct{})}, 20 * time.Millisecond},
		{"not configured", &fakeSearcher{err: email.ErrNotConfigured}, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			r := NewRouter(tt.searcher, sink, "inbox@example.com", tt.timeout)

			r.ClaimOpened(correlator.ClaimOpened{ExternalID: "A", ClaimNumber: "N1"})
			r.Wait()

			require.Len(t, sink.results, 1)
			assert.True(t, sink.results[0].SearchFailed)
			assert.Zero(t, sink.results[0].MatchCount)
			assert.NotEmpty(t, sink.results[0].Error)
		})
	}
}

func TestInflightSearchIsNotDuplicated(t *testing.T) {
	searcher := &fakeSearcher{release: make(chan struct{})}
	sink := &recordingSink{}
	r := NewRouter(searcher, sink, "inbox@example.com", time.Second)

	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "A", ClaimNumber: "N1"})
	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "A2", ClaimNumber: "N1"})
	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "B", ClaimNumber: "N2"})
	close(searcher.release)
	r.Wait()

	assert.Equal(t, 2, searcher.count())
	assert.Len(t, sink.results, 2)
	assert.Len(t, sink.infos, 3)

	// Once finished, a new open transition searches again.
	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "A", ClaimNumber: "N1"})
	r.Wait()
	assert.Equal(t, 3, searcher.count())
}

func TestReopenDuringSearchSharesResult(t *testing.T) {
	searcher := &fakeSearcher{release: make(chan struct{})}
	sink := &recordingSink{}
	r := NewRouter(searcher, sink, "inbox@example.com", time.Second)

	// A, then B, then back to A while A's first search is still running.
	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "A", ClaimNumber: "N1"})
	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "B", ClaimNumber: "N2"})
	r.ClaimOpened(correlator.ClaimOpened{ExternalID: "A", ClaimNumber: "N1"})
	close(searcher.release)
	r.Wait()

	searcher.mu.Lock()
	queries := append([]string(nil), searcher.queries...)
	searcher.mu.Unlock()
	assert.ElementsMatch(t, []string{"N1", "N2"}, queries)

	require.Len(t, sink.infos, 3, "every open still updates the claim info")
	assert.Equal(t, "A", sink.infos[2].ExternalID)
	var n1 int
	for _, res := range sink.results {
		if res.ClaimNumber == "N1" {
			n1++
		}
	}
	assert.Equal(t, 1, n1, "the running search serves the reopen")
}

func TestClaimOpenedDoesNotBlock(t *testing.T) {
	searcher := &fakeSearcher{release: make(chan struct{})}
	r := NewRouter(searcher, &recordingSink{}, "inbox@example.com", time.Second)

	done := make(chan struct{})
	go func() {
		r.ClaimOpened(correlator.ClaimOpened{ExternalID: "A", ClaimNumber: "N1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ClaimOpened blocked on the search")
	}
	close(searcher.release)
	r.Wait()
}
