package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"claimwatch/internal/store"
)

var (
	// ErrClosed is returned by operations on a closed tracker.
	ErrClosed = errors.New("metrics tracker closed")
	// ErrNoSession is returned by session queries before StartSession.
	ErrNoSession = errors.New("no active session")
)

// Storage is the persistence collaborator. *store.Store implements it.
type Storage interface {
	InsertSession(ctx context.Context, user string, start time.Time) (int64, error)
	EndSession(ctx context.Context, id int64, end time.Time) error
	InsertClaim(ctx context.Context, c store.NewClaim) (int64, error)
	CloseClaim(ctx context.Context, id int64, end time.Time, durationSeconds int) error
	InsertEvent(ctx context.Context, e store.NewEvent) (int64, error)
	QuerySessionSummary(ctx context.Context, sessionID int64) (store.SessionSummary, error)
	QueryClaimMetrics(ctx context.Context, f store.ClaimFilter) ([]store.ClaimTypeMetrics, error)
	QueryUserMetrics(ctx context.Context, user string) (store.UserMetrics, error)
}

// ClaimRef is a process-local claim handle, valid as soon as RecordClaimStart
// returns. The zero ClaimRef means "no claim".
type ClaimRef uint64

// ClaimStart describes a claim being opened.
type ClaimStart struct {
	ExternalID  string
	ClaimNumber string
	Type        ClaimType
	At          time.Time
}

// Record is an event as persisted, handed to observers after the write.
type Record struct {
	SessionID int64
	ClaimID   int64
	Ref       ClaimRef
	Payload   Payload
	At        time.Time
}

// Observer receives records in persistence order on the writer goroutine.
type Observer interface {
	Recorded(Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Record)

func (f ObserverFunc) Recorded(r Record) { f(r) }

// Options tunes write retries.
type Options struct {
	// RetryAttempts is how many times a busy write is retried.
	RetryAttempts int
	// RetryBackoff is the first retry interval; later ones grow exponentially.
	RetryBackoff time.Duration
	// WriteTimeout bounds a single storage call.
	WriteTimeout time.Duration
}

type op func()

// Tracker serializes every write of the current session through one FIFO
// writer goroutine. Record methods never block on storage.
type Tracker struct {
	store Storage
	opts  Options
	now   func() time.Time

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []op
	closed    bool
	done      chan struct{}
	sessionID int64
	user      string
	nextRef   ClaimRef
	claimIDs  map[ClaimRef]int64
	observers []Observer
}

// NewTracker starts the writer goroutine. Call Close to stop it.
func NewTracker(s Storage, opts Options) *Tracker {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	t := &Tracker{
		store:    s,
		opts:     opts,
		now:      time.Now,
		done:     make(chan struct{}),
		claimIDs: make(map[ClaimRef]int64),
	}
	t.cond = sync.NewCond(&t.mu)
	go t.run()
	return t
}

// Observe registers o for every persisted event.
func (t *Tracker) Observe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// StartSession opens a session for user. If one is already open its id is
// returned unchanged.
func (t *Tracker) StartSession(ctx context.Context, user string) (int64, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.sessionID != 0 {
		id := t.sessionID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	var id int64
	err := t.retry(ctx, func(ctx context.Context) error {
		var err error
		id, err = t.store.InsertSession(ctx, user, t.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("start session for %s: %w", user, err)
	}

	t.mu.Lock()
	t.sessionID = id
	t.user = user
	t.mu.Unlock()
	log.Printf("[session:%d] started for %s", id, user)
	return id, nil
}

// SessionID returns the open session, or zero.
func (t *Tracker) SessionID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// User returns the identity of the open session.
func (t *Tracker) User() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.user
}

// RecordClaimStart queues the insert of a claim and returns its handle.
func (t *Tracker) RecordClaimStart(c ClaimStart) ClaimRef {
	t.mu.Lock()
	t.nextRef++
	ref := t.nextRef
	sid := t.sessionID
	t.mu.Unlock()

	t.enqueue(func() {
		var id int64
		err := t.retry(context.Background(), func(ctx context.Context) error {
			var err error
			id, err = t.store.InsertClaim(ctx, store.NewClaim{
				SessionID:   sid,
				ExternalID:  c.ExternalID,
				ClaimNumber: c.ClaimNumber,
				ClaimType:   string(c.Type),
				Start:       c.At,
			})
			return err
		})
		if err != nil {
			log.Printf("[session:%d] dropping claim start %s: %v", sid, c.ExternalID, err)
			return
		}
		t.mu.Lock()
		t.claimIDs[ref] = id
		t.mu.Unlock()
	})
	return ref
}

// RecordClaimEnd queues closing the claim behind ref.
func (t *Tracker) RecordClaimEnd(ref ClaimRef, end time.Time, durationSeconds int) {
	sid := t.SessionID()
	t.enqueue(func() {
		id, ok := t.ClaimID(ref)
		if !ok {
			log.Printf("[session:%d] dropping claim end: claim ref %d was never stored", sid, ref)
			return
		}
		err := t.retry(context.Background(), func(ctx context.Context) error {
			return t.store.CloseClaim(ctx, id, end, durationSeconds)
		})
		if err != nil {
			log.Printf("[session:%d] dropping claim end %d: %v", sid, id, err)
		}
	})
}

// RecordEvent queues an event, associated with ref when it is non-zero.
func (t *Tracker) RecordEvent(ref ClaimRef, p Payload, at time.Time) {
	sid := t.SessionID()
	t.enqueue(func() {
		raw, err := json.Marshal(p)
		if err != nil {
			log.Printf("[session:%d] dropping %s: encode payload: %v", sid, p.EventType(), err)
			return
		}
		var claimID int64
		if ref != 0 {
			claimID, _ = t.ClaimID(ref)
		}
		err = t.retry(context.Background(), func(ctx context.Context) error {
			_, err := t.store.InsertEvent(ctx, store.NewEvent{
				SessionID: sid,
				ClaimID:   claimID,
				Type:      p.EventType(),
				Payload:   raw,
				At:        at,
			})
			return err
		})
		if err != nil {
			log.Printf("[session:%d] dropping %s: %v", sid, p.EventType(), err)
			return
		}

		t.mu.Lock()
		observers := append([]Observer(nil), t.observers...)
		t.mu.Unlock()
		rec := Record{SessionID: sid, ClaimID: claimID, Ref: ref, Payload: p, At: at}
		for _, o := range observers {
			o.Recorded(rec)
		}
	})
}

// ClaimID resolves ref to its storage id once the insert has completed.
func (t *Tracker) ClaimID(ref ClaimRef) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.claimIDs[ref]
	return id, ok
}

// Flush waits until every write queued before the call has been applied.
func (t *Tracker) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !t.enqueue(func() { close(barrier) }) {
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionSummary aggregates sessionID after all earlier writes have landed.
func (t *Tracker) SessionSummary(ctx context.Context, sessionID int64) (store.SessionSummary, error) {
	if sessionID == 0 {
		return store.SessionSummary{}, ErrNoSession
	}
	if err := t.Flush(ctx); err != nil {
		return store.SessionSummary{}, err
	}
	return t.store.QuerySessionSummary(ctx, sessionID)
}

// CurrentSummary is SessionSummary for the open session.
func (t *Tracker) CurrentSummary(ctx context.Context) (store.SessionSummary, error) {
	return t.SessionSummary(ctx, t.SessionID())
}

// ClaimMetrics aggregates closed claims by type.
func (t *Tracker) ClaimMetrics(ctx context.Context, f store.ClaimFilter) ([]store.ClaimTypeMetrics, error) {
	if err := t.Flush(ctx); err != nil {
		return nil, err
	}
	return t.store.QueryClaimMetrics(ctx, f)
}

// UserMetrics aggregates everything recorded for user.
func (t *Tracker) UserMetrics(ctx context.Context, user string) (store.UserMetrics, error) {
	if err := t.Flush(ctx); err != nil {
		return store.UserMetrics{}, err
	}
	return t.store.QueryUserMetrics(ctx, user)
}

// EndSession writes the session end timestamp and waits for it to land. A
// later StartSession opens a new session.
func (t *Tracker) EndSession(ctx context.Context) error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = 0
	t.mu.Unlock()
	if sid == 0 {
		return ErrNoSession
	}

	end := t.now()
	t.enqueue(func() {
		err := t.retry(context.Background(), func(ctx context.Context) error {
			return t.store.EndSession(ctx, sid, end)
		})
		if err != nil {
			log.Printf("[session:%d] dropping session end: %v", sid, err)
			return
		}
		log.Printf("[session:%d] ended", sid)
	})
	return t.Flush(ctx)
}

// Close drains the queue and stops the writer.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cond.Signal()
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) enqueue(o op) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		log.Printf("[session:%d] tracker closed, write discarded", t.sessionID)
		return false
	}
	t.queue = append(t.queue, o)
	t.cond.Signal()
	return true
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()

		for _, o := range batch {
			o()
		}
	}
}

// retry runs fn, retrying only store.ErrBusy failures.
func (t *Tracker) retry(ctx context.Context, fn func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.opts.RetryBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(0, t.opts.RetryAttempts))), ctx)

	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil || store.IsBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
