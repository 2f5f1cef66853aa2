// Package app builds the claim session: one Coordinator per process owns the
// view registry, the correlator queue, the metrics tracker and their
// collaborators.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"claimwatch/internal/browser"
	"claimwatch/internal/config"
	"claimwatch/internal/correlator"
	"claimwatch/internal/email"
	"claimwatch/internal/mangle"
	"claimwatch/internal/mcp"
	"claimwatch/internal/metrics"
	"claimwatch/internal/notify"
	"claimwatch/internal/observer"
	"claimwatch/internal/recorder"
	"claimwatch/internal/store"
	"claimwatch/internal/views"
)

// watchedPredicates are pushed to clients whenever new facts are derived.
var watchedPredicates = []string{"slow_claim", "claim_reopened"}

// Host is the content host. *browser.Host implements it.
type Host interface {
	views.Host
	SetSink(sink browser.EventSink)
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Options override collaborators built from config. Zero values use the
// production implementations.
type Options struct {
	Host     Host
	Searcher notify.Searcher
}

// Coordinator owns every component of the session.
type Coordinator struct {
	cfg config.Config

	store    *store.Store
	tracker  *metrics.Tracker
	engine   *mangle.Engine
	recorder *recorder.Recorder
	router   *notify.Router
	queue    *correlator.Queue
	views    *views.Manager
	observer *observer.Observer
	host     Host
	ui       *mcp.UI

	watch    chan mangle.WatchEvent
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires the components without starting the session.
func New(ctx context.Context, cfg config.Config, opts Options) (*Coordinator, error) {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	engine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initialize mangle engine: %w", err)
	}

	tracker := metrics.NewTracker(st, metrics.Options{
		RetryAttempts: cfg.Storage.GetRetryAttempts(),
		RetryBackoff:  cfg.Storage.GetRetryBackoff(),
	})
	if cfg.Mangle.Enable {
		tracker.Observe(mangle.NewMirror(engine))
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		rec, err = recorder.NewRecorder(cfg.Recorder.Dir)
		if err != nil {
			log.Printf("[recorder] disabled: %v", err)
		} else {
			tracker.Observe(rec)
		}
	}

	searcher := opts.Searcher
	if searcher == nil {
		searcher = newSearcher(ctx, cfg.Email)
	}

	ui := mcp.NewUI()
	router := notify.NewRouter(searcher, ui, cfg.Email.UserEmail, cfg.Email.GetSearchTimeout())
	queue := correlator.NewQueue(correlator.New(tracker, router), 0)

	host := opts.Host
	if host == nil {
		host = browser.NewHost(cfg.Host)
	}
	manager := views.NewManager(host, ui, views.Options{
		WebPartition:    cfg.Host.WebPartition,
		StartURL:        cfg.Host.StartURL,
		TopOffset:       cfg.Host.TopOffset,
		BottomOffset:    cfg.Host.BottomOffset,
		NestedTabOffset: cfg.Host.NestedTabOffset,
		Viewport:        views.Size{Width: cfg.Host.GetWindowWidth(), Height: cfg.Host.GetWindowHeight()},
	})
	obs := observer.New(manager, queue, nil)
	host.SetSink(obs)

	return &Coordinator{
		cfg:      cfg,
		store:    st,
		tracker:  tracker,
		engine:   engine,
		recorder: rec,
		router:   router,
		queue:    queue,
		views:    manager,
		observer: obs,
		host:     host,
		ui:       ui,
		watch:    make(chan mangle.WatchEvent, 16),
	}, nil
}

func newSearcher(ctx context.Context, cfg config.EmailConfig) notify.Searcher {
	if !cfg.Enabled {
		return email.Disabled{}
	}
	client, err := email.NewClient(ctx, email.Config{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		GraphBaseURL: cfg.GraphBaseURL,
		MaxResults:   cfg.GetMaxResults(),
	})
	if err != nil {
		log.Printf("[notify] email search disabled: %v", err)
		return email.Disabled{}
	}
	return client
}

// Start opens the metrics session, starts the correlator queue and, when
// the host auto-starts, creates the initial contexts.
func (c *Coordinator) Start(ctx context.Context) error {
	if _, err := c.tracker.StartSession(ctx, c.cfg.Server.User); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.queue.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[correlator] queue stopped: %v", err)
		}
	}()

	if c.cfg.Mangle.Enable {
		for _, p := range watchedPredicates {
			c.engine.Subscribe(p, c.watch)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.forwardDerived(runCtx)
		}()
	}

	if !c.cfg.Host.AutoStart {
		log.Printf("[host] auto-start disabled; content contexts are not created")
		return nil
	}
	if err := c.host.Start(ctx); err != nil {
		return fmt.Errorf("start content host: %w", err)
	}
	return c.openInitialContexts()
}

// openInitialContexts creates the top-level singletons and the first nested
// context, which cannot be closed.
func (c *Coordinator) openInitialContexts() error {
	kinds := []views.Kind{views.KindEmail, views.KindWebContainer, views.KindMetrics}
	if c.cfg.Host.EnableAdmin {
		kinds = append(kinds, views.KindAdmin)
	}
	for _, kind := range kinds {
		if _, err := c.views.CreateTopLevel(kind, false); err != nil {
			return fmt.Errorf("create %s context: %w", kind, err)
		}
	}
	if web, ok := c.views.TopLevelID(views.KindWebContainer); ok {
		c.views.SwitchTopLevel(web)
	}
	if _, err := c.views.CreateNested(c.cfg.Host.StartURL, "", true, false); err != nil {
		return fmt.Errorf("create initial web context: %w", err)
	}
	return nil
}

func (c *Coordinator) forwardDerived(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.watch:
			for _, f := range ev.Facts {
				log.Printf("[mangle] %s%v", ev.Predicate, f.Args)
			}
			c.ui.Derived(ev)
		}
	}
}

// Shutdown closes the open claim, ends the session and releases every
// resource. It is safe to call more than once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs []error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			if err := c.queue.Submit(correlator.EndClaim{Reason: "shutdown"}); err == nil {
				if err := c.queue.Drain(ctx); err != nil {
					errs = append(errs, fmt.Errorf("drain correlator: %w", err))
				}
			}
		}
		c.router.Wait()

		if c.tracker.SessionID() != 0 {
			if err := c.tracker.EndSession(ctx); err != nil {
				errs = append(errs, fmt.Errorf("end session: %w", err))
			}
		}
		if err := c.tracker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close tracker: %w", err))
		}

		if c.cancel != nil {
			c.cancel()
		}
		for _, p := range watchedPredicates {
			c.engine.Unsubscribe(p, c.watch)
		}
		c.wg.Wait()

		c.views.Teardown()
		if err := c.host.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown host: %w", err))
		}
		if c.recorder != nil {
			if err := c.recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close recorder: %w", err))
			}
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	})
	return errors.Join(errs...)
}

// Deps exposes the session to the MCP server.
func (c *Coordinator) Deps() mcp.Deps {
	d := mcp.Deps{
		Views:   c.views,
		Metrics: c.tracker,
		Claims:  c.queue,
		Engine:  c.engine,
		UI:      c.ui,
		Store:   c.store,
	}
	if c.recorder != nil {
		d.TraceDir = c.cfg.Recorder.Dir
	}
	return d
}

func (c *Coordinator) Views() *views.Manager { return c.views }
func (c *Coordinator) Tracker() *metrics.Tracker { return c.tracker }
func (c *Coordinator) Queue() *correlator.Queue { return c.queue }
func (c *Coordinator) Observer() *observer.Observer { return c.observer }
func (c *Coordinator) Engine() *mangle.Engine { return c.engine }
func (c *Coordinator) UI() *mcp.UI { return c.ui }

// Settle waits until every observed signal has been correlated and every
// resulting write has been persisted.
func (c *Coordinator) Settle(ctx context.Context) error {
	if err := c.queue.Drain(ctx); err != nil {
		return err
	}
	c.router.Wait()
	return c.tracker.Flush(ctx)
}

// shutdownTimeout bounds Shutdown when the caller's context is already done.
const shutdownTimeout = 10 * time.Second

// ShutdownTimeout runs Shutdown with a fresh bounded context.
func (c *Coordinator) ShutdownTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.Shutdown(ctx)
}
