package app

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimwatch/internal/browser"
	"claimwatch/internal/config"
	"claimwatch/internal/correlator"
	"claimwatch/internal/email"
	"claimwatch/internal/metrics"
	"claimwatch/internal/observer"
	"claimwatch/internal/recorder"
	"claimwatch/internal/store"
	"claimwatch/internal/views"
)

type fakeSurface struct {
	mu  sync.Mutex
	url string
}

func (s *fakeSurface) Load(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	return nil
}
func (s *fakeSurface) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}
func (s *fakeSurface) Title() string              { return "" }
func (s *fakeSurface) SetBounds(views.Rect) error { return nil }
func (s *fakeSurface) Show() error                { return nil }
func (s *fakeSurface) Hide() error                { return nil }
func (s *fakeSurface) SetZoom(float64) error      { return nil }
func (s *fakeSurface) Destroy() error             { return nil }

type fakeHost struct {
	mu       sync.Mutex
	sink     browser.EventSink
	started  bool
	stopped  bool
	startErr error
	opened   []views.SurfaceSpec
}

func (h *fakeHost) Open(spec views.SurfaceSpec) (views.Surface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, spec)
	return &fakeSurface{url: spec.URL}, nil
}
func (h *fakeHost) ClearPartition(string) error { return nil }
func (h *fakeHost) SetSink(sink browser.EventSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}
func (h *fakeHost) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	return h.startErr
}
func (h *fakeHost) Shutdown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
}

func (s *fakeSearcher) Search(_ context.Context, _, query string) ([]email.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return []email.Message{{ID: "m1", Subject: "Re: " + query}}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.User = "adjuster@example.com"
	cfg.Storage.Path = filepath.Join(dir, "metrics.db")
	cfg.Recorder.Dir = filepath.Join(dir, "traces")
	cfg.Host.StartURL = "https://claims.example.com/login"
	return cfg
}

func nested(id int) views.Ref { return views.Ref{Tier: views.Nested, ID: id} }

func TestCoordinatorEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	host := &fakeHost{}
	searcher := &fakeSearcher{}
	ctx := context.Background()

	c, err := New(ctx, cfg, Options{Host: host, Searcher: searcher})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	sid := c.Tracker().SessionID()
	require.NotZero(t, sid)

	// Startup layout: email, web-container and metrics on top, the web
	// container active, one non-closable nested context at the start URL.
	top := c.Views().List(views.TopLevel)
	require.Len(t, top, 3)
	active, ok := c.Views().ActiveTopLevel()
	require.True(t, ok)
	assert.Equal(t, views.KindWebContainer, active.Kind)
	first, ok := c.Views().ActiveNested()
	require.True(t, ok)
	assert.False(t, first.Closable)
	assert.Equal(t, cfg.Host.StartURL, first.URL)
	assert.True(t, host.started)

	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)
	ms := func(d time.Duration) int64 { return t0.Add(d).UnixMilli() }

	sink := host.sink
	sink.OnInstrumentation(nested(1), observer.Signal{
		Type: observer.SignalClaimDetected, Timestamp: ms(0),
		ClaimID: "778899", ClaimNumber: "WC-778899", InsuranceType: "2", ClaimantName: "Pat Doe",
	})
	sink.OnInstrumentation(nested(1), observer.Signal{Type: observer.SignalFieldChange, Timestamp: ms(30 * time.Second), Field: "notes", HasValue: true})
	sink.OnInstrumentation(nested(1), observer.Signal{Type: observer.SignalValidation, Timestamp: ms(40 * time.Second), Field: "date", IsValid: false, Errors: []string{"required"}})
	sink.OnInstrumentation(nested(1), observer.Signal{
		Type: observer.SignalClaimDetected, Timestamp: ms(700 * time.Second),
		ClaimID: "445566", ClaimNumber: "GL-445566", InsuranceType: "1",
	})

	// A content window.open lands in a new nested context.
	decision := sink.OnNewContextRequested(nested(1), "/claim.jsp?claim_id=445566")
	assert.Equal(t, observer.ActionDeny, decision.Action)
	assert.Equal(t, "https://claims.example.com/claim.jsp?claim_id=445566", decision.URL)
	assert.Equal(t, 2, decision.ContextID)

	require.NoError(t, c.Queue().Submit(correlator.EndClaim{At: t0.Add(760 * time.Second)}))
	require.NoError(t, c.Settle(ctx))

	summary, err := c.Tracker().CurrentSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ClaimsProcessed)
	assert.Equal(t, 760, summary.TotalTimeSeconds)
	assert.InDelta(t, 380.0, summary.AvgClaimDuration, 0.001)

	rows, err := c.Tracker().ClaimMetrics(ctx, store.ClaimFilter{})
	require.NoError(t, err)
	byType := map[string]store.ClaimTypeMetrics{}
	for _, r := range rows {
		byType[r.ClaimType] = r
	}
	assert.Equal(t, 700, byType[string(metrics.WorkersComp)].MaxDuration)
	assert.Equal(t, 60, byType[string(metrics.Liability)].MaxDuration)

	// Both claim numbers were searched once; the UI saw the latest claim.
	searcher.mu.Lock()
	queries := append([]string(nil), searcher.queries...)
	searcher.mu.Unlock()
	sort.Strings(queries)
	assert.Equal(t, []string{"GL-445566", "WC-778899"}, queries)
	state := c.UI().State()
	require.NotNil(t, state.Claim)
	assert.Equal(t, "445566", state.Claim.ExternalID)
	assert.Len(t, state.Results, 2)
	assert.Len(t, state.Nested.Tabs, 2)

	// The fact mirror derived the slow claim and pushed it to the UI.
	slow, err := c.Engine().Evaluate(ctx, "slow_claim")
	require.NoError(t, err)
	require.Len(t, slow, 1)
	assert.Equal(t, "778899", slow[0].Args[1])
	invalid, err := c.Engine().Evaluate(ctx, "invalid_field")
	require.NoError(t, err)
	assert.Len(t, invalid, 1)
	assert.Eventually(t, func() bool {
		for _, ev := range c.UI().State().Derived {
			if ev.Predicate == "slow_claim" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Shutdown(ctx))
	assert.True(t, host.stopped)
	require.NoError(t, c.Shutdown(ctx), "second shutdown is a no-op")

	st, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer st.Close()
	user, err := st.QueryUserMetrics(ctx, "adjuster@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, user.TotalSessions)
	assert.Equal(t, 2, user.TotalClaims)

	traces, err := recorder.Files(cfg.Recorder.Dir)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	entries, err := recorder.Read(traces[0])
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.Equal(t, sid, entries[0].SessionID)
}

func TestShutdownClosesOpenClaim(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recorder.Enable = false
	ctx := context.Background()

	c, err := New(ctx, cfg, Options{Host: &fakeHost{}, Searcher: email.Disabled{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	sid := c.Tracker().SessionID()

	c.Observer().OnNavigated(nested(1), "https://claims.example.com/claim.jsp?claim_id=112233&insurance_type=1")
	st, err := c.Queue().State(ctx)
	require.NoError(t, err)
	require.True(t, st.Open)
	assert.Equal(t, "112233", st.ExternalID)

	require.NoError(t, c.Shutdown(ctx))
	_, err = c.Queue().State(ctx)
	assert.ErrorIs(t, err, correlator.ErrStopped)

	db, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer db.Close()
	claims, err := db.ListClaims(ctx, sid)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.NotNil(t, claims[0].DurationSeconds, "shutdown must close the open claim")
}

func TestStartWithoutAutoStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host.AutoStart = false
	host := &fakeHost{}
	ctx := context.Background()

	c, err := New(ctx, cfg, Options{Host: host, Searcher: email.Disabled{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	assert.False(t, host.started)
	assert.Empty(t, c.Views().List(views.TopLevel))

	deps := c.Deps()
	assert.NotNil(t, deps.Views)
	assert.Equal(t, cfg.Recorder.Dir, deps.TraceDir)
	require.NoError(t, c.ShutdownTimeout())
}

func TestStartHostFailure(t *testing.T) {
	cfg := testConfig(t)
	host := &fakeHost{startErr: errors.New("no chrome")}
	ctx := context.Background()

	c, err := New(ctx, cfg, Options{Host: host, Searcher: email.Disabled{}})
	require.NoError(t, err)
	err = c.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chrome")
	require.NoError(t, c.Shutdown(ctx))
}

func TestAdminContextWhenEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host.EnableAdmin = true
	ctx := context.Background()

	c, err := New(ctx, cfg, Options{Host: &fakeHost{}, Searcher: email.Disabled{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	_, ok := c.Views().TopLevelID(views.KindAdmin)
	assert.True(t, ok)
}
