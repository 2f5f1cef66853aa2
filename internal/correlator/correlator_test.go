package correlator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimwatch/internal/metrics"
)

type step struct {
	kind     string
	ref      metrics.ClaimRef
	detail   string
	duration int
}

type fakeTracker struct {
	mu    sync.Mutex
	next  metrics.ClaimRef
	steps []step
}

func (f *fakeTracker) RecordClaimStart(c metrics.ClaimStart) metrics.ClaimRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.steps = append(f.steps, step{kind: "start", ref: f.next, detail: c.ExternalID + "/" + string(c.Type)})
	return f.next
}

func (f *fakeTracker) RecordClaimEnd(ref metrics.ClaimRef, end time.Time, d int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step{kind: "end", ref: ref, duration: d})
}

func (f *fakeTracker) RecordEvent(ref metrics.ClaimRef, p metrics.Payload, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step{kind: "event", ref: ref, detail: p.EventType()})
}

func (f *fakeTracker) events(typ string) []step {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []step
	for _, s := range f.steps {
		if s.kind == "event" && s.detail == typ {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTracker) trace() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.steps))
	for _, s := range f.steps {
		switch s.kind {
		case "end":
			out = append(out, fmt.Sprintf("end:%d:%ds", s.ref, s.duration))
		default:
			out = append(out, fmt.Sprintf("%s:%d:%s", s.kind, s.ref, s.detail))
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	opened []ClaimOpened
	// trackerLen captures how many tracker steps existed at notification time.
	tracker    *fakeTracker
	trackerLen []int
}

func (n *fakeNotifier) ClaimOpened(o ClaimOpened) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, o)
	if n.tracker != nil {
		n.trackerLen = append(n.trackerLen, len(n.tracker.trace()))
	}
}

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestCorrelator() (*Correlator, *fakeTracker, *fakeNotifier) {
	tr := &fakeTracker{}
	n := &fakeNotifier{tracker: tr}
	return New(tr, n), tr, n
}

func TestFirstDetectionOpensClaim(t *testing.T) {
	c, tr, n := newTestCorrelator()

	c.Handle(ClaimDetected{ExternalID: "778899", ClaimNumber: "WC-1", InsuranceType: "2", At: t0})

	st := c.State()
	require.True(t, st.Open)
	assert.Equal(t, "778899", st.ExternalID)
	assert.Equal(t, metrics.WorkersComp, st.Type)
	assert.Equal(t, []string{
		"start:1:778899/workers_comp",
		"event:1:claim_detected",
		"event:1:claim_started",
	}, tr.trace())
	require.Len(t, n.opened, 1)
	assert.Equal(t, "WC-1", n.opened[0].ClaimNumber)
	assert.Equal(t, 3, n.trackerLen[0], "notification follows claim_started")
}

func TestDuplicateDetectionIsNoop(t *testing.T) {
	c, tr, n := newTestCorrelator()

	c.Handle(ClaimDetected{ExternalID: "A", InsuranceType: "1", At: t0})
	c.Handle(ClaimDetected{ExternalID: "A", InsuranceType: "1", At: t0.Add(30 * time.Second)})
	c.Handle(EndClaim{At: t0.Add(61500 * time.Millisecond)})

	assert.Len(t, tr.events(metrics.TypeClaimStarted), 1)
	assert.Len(t, n.opened, 1)
	trace := tr.trace()
	assert.Contains(t, trace, "end:1:61s", "duration measured from first detection, truncated")
	assert.False(t, c.State().Open)
}

func TestNewClaimSupersedesOpenClaim(t *testing.T) {
	c, tr, _ := newTestCorrelator()

	c.Handle(ClaimDetected{ExternalID: "A", InsuranceType: "2", At: t0})
	c.Handle(ClaimDetected{ExternalID: "B", InsuranceType: "1", At: t0.Add(42*time.Second + 900*time.Millisecond)})

	assert.Equal(t, []string{
		"start:1:A/workers_comp",
		"event:1:claim_detected",
		"event:1:claim_started",
		"end:1:42s",
		"event:1:claim_completed",
		"start:2:B/liability",
		"event:2:claim_detected",
		"event:2:claim_started",
	}, tr.trace())
	assert.Len(t, tr.events(metrics.TypeClaimCompleted), 1)

	st := c.State()
	assert.Equal(t, "B", st.ExternalID)
	assert.Equal(t, metrics.Liability, st.Type)
}

func TestUnloadNeverClosesClaim(t *testing.T) {
	c, tr, _ := newTestCorrelator()

	c.Handle(ClaimDetected{ExternalID: "A", At: t0})
	c.Handle(PageUnloaded{Context: "nested:1", URL: "https://x", At: t0.Add(time.Second)})

	assert.True(t, c.State().Open)
	assert.Empty(t, tr.events(metrics.TypeClaimCompleted))
	unloads := tr.events(metrics.TypePageUnload)
	require.Len(t, unloads, 1)
	assert.Equal(t, metrics.ClaimRef(1), unloads[0].ref)
}

func TestEventsAssociateWithOpenClaim(t *testing.T) {
	c, tr, _ := newTestCorrelator()

	c.Handle(FieldChanged{Field: "notes", HadValue: true, At: t0})
	c.Handle(ClaimDetected{ExternalID: "A", At: t0})
	c.Handle(ValidationResult{Field: "date", IsValid: false, Message: "required", At: t0})
	c.Handle(Navigated{Context: "nested:1", URL: "https://x", At: t0})
	c.Handle(TabChanged{Label: "Diary", At: t0})
	c.Handle(WindowOpenAttempt{URL: "https://y", Action: "created", ContextID: 2, At: t0})
	c.Handle(RecordDoubleClick{Target: "row-3", At: t0})
	c.Handle(EndClaim{At: t0})
	c.Handle(TabChanged{Label: "Notes", At: t0})

	assert.Equal(t, metrics.ClaimRef(0), tr.events(metrics.TypeFieldChange)[0].ref)
	assert.Equal(t, metrics.ClaimRef(1), tr.events(metrics.TypeValidation)[0].ref)
	assert.Equal(t, metrics.ClaimRef(1), tr.events(metrics.TypeNavigation)[0].ref)
	assert.Equal(t, metrics.ClaimRef(1), tr.events(metrics.TypeWindowOpenAttempt)[0].ref)
	assert.Equal(t, metrics.ClaimRef(1), tr.events(metrics.TypeRecordDoubleClick)[0].ref)
	tabs := tr.events(metrics.TypeTabChange)
	require.Len(t, tabs, 2)
	assert.Equal(t, metrics.ClaimRef(1), tabs[0].ref)
	assert.Equal(t, metrics.ClaimRef(0), tabs[1].ref)
}

func TestClaimWithoutNumberStillNotifies(t *testing.T) {
	c, _, n := newTestCorrelator()
	c.Handle(ClaimDetected{ExternalID: "A", At: t0})

	require.Len(t, n.opened, 1)
	assert.Empty(t, n.opened[0].ClaimNumber)
}

func TestDetectionWithoutExternalIDIgnored(t *testing.T) {
	c, tr, n := newTestCorrelator()
	c.Handle(ClaimDetected{ClaimNumber: "X", At: t0})

	assert.False(t, c.State().Open)
	assert.Empty(t, tr.trace())
	assert.Empty(t, n.opened)
}

func TestEndClaimWhenIdle(t *testing.T) {
	c, tr, _ := newTestCorrelator()
	c.Handle(EndClaim{At: t0})
	assert.Empty(t, tr.trace())
}

func TestReopenedClaimGetsNewRow(t *testing.T) {
	c, tr, n := newTestCorrelator()
	c.Handle(ClaimDetected{ExternalID: "A", ClaimNumber: "N1", At: t0})
	c.Handle(ClaimDetected{ExternalID: "B", At: t0.Add(time.Second)})
	c.Handle(ClaimDetected{ExternalID: "A", ClaimNumber: "N1", At: t0.Add(2 * time.Second)})

	assert.Len(t, tr.events(metrics.TypeClaimStarted), 3)
	assert.Len(t, n.opened, 3)
	assert.Equal(t, metrics.ClaimRef(3), c.State().Ref)
}

func TestWholeSeconds(t *testing.T) {
	assert.Equal(t, 0, WholeSeconds(t0, t0.Add(999*time.Millisecond)))
	assert.Equal(t, 1, WholeSeconds(t0, t0.Add(1999*time.Millisecond)))
	assert.Equal(t, 0, WholeSeconds(t0, t0.Add(-time.Minute)))
}

func TestZeroTimestampUsesClock(t *testing.T) {
	c, tr, _ := newTestCorrelator()
	now := t0
	c.now = func() time.Time { return now }

	c.Handle(ClaimDetected{ExternalID: "A"})
	now = now.Add(7 * time.Second)
	c.Handle(EndClaim{})

	assert.Contains(t, tr.trace(), "end:1:7s")
}

func TestQueuePreservesOrder(t *testing.T) {
	c, tr, _ := newTestCorrelator()
	q := NewQueue(c, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- q.Run(ctx) }()

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Submit(ClaimDetected{ExternalID: fmt.Sprint(i % 3), At: t0.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, q.Drain(context.Background()))

	starts := tr.events(metrics.TypeClaimStarted)
	assert.Len(t, starts, 20)
	assert.Len(t, tr.events(metrics.TypeClaimCompleted), 19)
	assert.Equal(t, "2", q.Correlator().State().ExternalID)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.ErrorIs(t, q.Submit(EndClaim{}), ErrStopped)
}

func TestQueueStateSnapshot(t *testing.T) {
	c, _, _ := newTestCorrelator()
	q := NewQueue(c, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	require.NoError(t, q.Submit(ClaimDetected{ExternalID: "778899", InsuranceType: "2", At: t0}))
	st, err := q.State(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Open)
	assert.Equal(t, "778899", st.ExternalID)
	assert.Equal(t, metrics.WorkersComp, st.Type)

	require.NoError(t, q.Submit(EndClaim{At: t0.Add(time.Minute)}))
	st, err = q.State(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Open)
}

func TestQueueStateHonoursContext(t *testing.T) {
	c, _, _ := newTestCorrelator()
	q := NewQueue(c, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.State(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
