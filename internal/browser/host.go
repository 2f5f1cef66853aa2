package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"claimwatch/internal/config"
	"claimwatch/internal/observer"
	"claimwatch/internal/views"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// ErrNotConnected is returned when a surface is requested before Start.
var ErrNotConnected = errors.New("browser not connected")

// EventSink receives content signals tagged with the surface's ref.
// *observer.Observer implements it.
type EventSink interface {
	OnNavigated(ref views.Ref, url string)
	OnTitleChanged(ref views.Ref, title string)
	OnNewContextRequested(from views.Ref, url string) observer.Decision
	OnInstrumentation(ref views.Ref, sig observer.Signal)
}

// Host owns the Chrome instance and implements views.Host. Every surface is
// one page; surfaces sharing a partition share one incognito browser context.
type Host struct {
	cfg config.HostConfig

	mu         sync.RWMutex
	sink       EventSink
	browser    *rod.Browser
	controlURL string
	ctx        context.Context
	cancel     context.CancelFunc
	partitions map[string]*rod.Browser
	targets    map[proto.TargetTargetID]*surface
	// window-open targets whose URL is not known yet, keyed to the opener
	pending map[proto.TargetTargetID]views.Ref

	throttle *eventThrottler
}

// NewHost builds a host. Call SetSink before the first surface is opened.
func NewHost(cfg config.HostConfig) *Host {
	return &Host{
		cfg:        cfg,
		partitions: make(map[string]*rod.Browser),
		targets:    make(map[proto.TargetTargetID]*surface),
		pending:    make(map[proto.TargetTargetID]views.Ref),
		throttle:   newEventThrottler(300),
	}
}

// SetSink installs the receiver of content signals.
func (h *Host) SetSink(sink EventSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

func (h *Host) eventSink() EventSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sink
}

// Start connects to an existing Chrome or launches one using Rod's launcher.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.browser != nil {
		if _, err := h.browser.Version(); err == nil {
			h.mu.Unlock()
			return nil
		}
		log.Printf("[host] stale browser connection detected, reconnecting")
		h.resetLocked()
	}
	h.mu.Unlock()

	controlURL := h.cfg.DebuggerURL
	if controlURL == "" && len(h.cfg.Launch) > 0 {
		url, err := h.launch()
		if err != nil {
			return err
		}
		controlURL = url
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	runCtx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(controlURL).Context(runCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		cancel()
		_ = browser.Close()
		return fmt.Errorf("discover targets: %w", err)
	}

	h.mu.Lock()
	h.browser = browser
	h.controlURL = controlURL
	h.ctx = runCtx
	h.cancel = cancel
	h.mu.Unlock()

	h.watchTargets(runCtx, browser)
	log.Printf("[host] browser connected at %s", controlURL)
	return nil
}

func (h *Host) launch() (string, error) {
	bin := h.cfg.Launch[0]
	l := launcher.New().Bin(bin).Headless(h.cfg.IsHeadless())
	for _, rawFlag := range h.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	url, err := l.Launch()
	if err == nil {
		return url, nil
	}
	// Let Rod pick the port and defaults.
	alt, altErr := launcher.New().Bin(bin).Headless(h.cfg.IsHeadless()).Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

// ControlURL returns the WebSocket debugger URL of the connected browser.
func (h *Host) ControlURL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controlURL
}

// IsConnected reports whether Start succeeded and Shutdown has not run.
func (h *Host) IsConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.browser != nil
}

// Shutdown closes every page and the browser connection.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.browser != nil {
		err = h.browser.Close()
	}
	h.resetLocked()
	log.Printf("[host] browser shutdown complete")
	return err
}

func (h *Host) resetLocked() {
	for id, s := range h.targets {
		s.stop()
		delete(h.targets, id)
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.browser = nil
	h.controlURL = ""
	h.ctx = nil
	h.cancel = nil
	h.partitions = make(map[string]*rod.Browser)
	h.pending = make(map[proto.TargetTargetID]views.Ref)
}

// Open creates the page backing one content context. The initial navigation
// runs in the background.
func (h *Host) Open(spec views.SurfaceSpec) (views.Surface, error) {
	h.mu.Lock()
	if h.browser == nil {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	ctx := h.ctx
	bctx, owned, err := h.browserContextLocked(spec.Partition)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	page, err := bctx.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		if owned {
			_ = bctx.Close()
		}
		return nil, fmt.Errorf("create page: %w", err)
	}

	s := newSurface(h, spec, page)
	if owned {
		s.ownContext = bctx
	}

	h.mu.Lock()
	h.targets[page.TargetID] = s
	h.mu.Unlock()

	s.start(ctx)
	if spec.URL != "" {
		go func() {
			if err := s.Load(spec.URL); err != nil {
				log.Printf("[view:%d] initial load of %s failed: %v", spec.Ref.ID, spec.URL, err)
			}
		}()
	}
	return s, nil
}

// browserContextLocked returns the shared incognito context of partition, or
// a fresh one owned by the surface when partition is empty.
func (h *Host) browserContextLocked(partition string) (*rod.Browser, bool, error) {
	if partition == "" {
		b, err := h.browser.Incognito()
		if err != nil {
			return nil, false, fmt.Errorf("incognito context: %w", err)
		}
		return b, true, nil
	}
	if b, ok := h.partitions[partition]; ok {
		return b, false, nil
	}
	b, err := h.browser.Incognito()
	if err != nil {
		return nil, false, fmt.Errorf("incognito context for %s: %w", partition, err)
	}
	h.partitions[partition] = b
	return b, false, nil
}

// ClearPartition drops cookies and web storage of every page in partition.
func (h *Host) ClearPartition(partition string) error {
	h.mu.RLock()
	b, ok := h.partitions[partition]
	root := h.browser
	var pages []*surface
	for _, s := range h.targets {
		if s.spec.Partition == partition {
			pages = append(pages, s)
		}
	}
	h.mu.RUnlock()

	if !ok || root == nil {
		return nil
	}
	if err := (proto.StorageClearCookies{BrowserContextID: b.BrowserContextID}).Call(root); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	for _, s := range pages {
		s.clearStorage()
	}
	log.Printf("[host] cleared partition %s (%d pages)", partition, len(pages))
	return nil
}

func (h *Host) forget(id proto.TargetTargetID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.targets, id)
}

func (h *Host) surfaceFor(id proto.TargetTargetID) (*surface, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.targets[id]
	return s, ok
}

// watchTargets follows browser-level target events: titles of our pages and
// windows opened by them.
func (h *Host) watchTargets(ctx context.Context, browser *rod.Browser) {
	wait := browser.Context(ctx).EachEvent(
		func(ev *proto.TargetTargetCreated) {
			info := ev.TargetInfo
			if info == nil || info.Type != proto.TargetTargetInfoTypePage || info.OpenerID == "" {
				return
			}
			opener, ok := h.surfaceFor(info.OpenerID)
			if !ok {
				return
			}
			if !usableURL(info.URL) {
				h.mu.Lock()
				h.pending[info.TargetID] = opener.spec.Ref
				h.mu.Unlock()
				return
			}
			h.redirectWindow(browser, opener.spec.Ref, info.TargetID, info.URL)
		},
		func(ev *proto.TargetTargetInfoChanged) {
			info := ev.TargetInfo
			if info == nil {
				return
			}
			h.mu.Lock()
			from, waiting := h.pending[info.TargetID]
			if waiting && usableURL(info.URL) {
				delete(h.pending, info.TargetID)
			}
			h.mu.Unlock()
			if waiting {
				if usableURL(info.URL) {
					h.redirectWindow(browser, from, info.TargetID, info.URL)
				}
				return
			}

			if s, ok := h.surfaceFor(info.TargetID); ok {
				s.titleChanged(info.Title)
			}
		},
		func(ev *proto.TargetTargetDestroyed) {
			h.mu.Lock()
			delete(h.pending, ev.TargetID)
			h.mu.Unlock()
		},
	)
	go wait()
}

// redirectWindow closes a window the content opened on its own and hands
// the URL to the sink, which places it in a nested context.
func (h *Host) redirectWindow(browser *rod.Browser, from views.Ref, id proto.TargetTargetID, url string) {
	if page, err := browser.PageFromTarget(id); err == nil {
		_ = page.Close()
	} else {
		log.Printf("[host] close window-open target %s failed: %v", id, err)
	}
	if !h.throttle.Allow(from.String() + " " + url) {
		return
	}
	sink := h.eventSink()
	if sink == nil {
		return
	}
	decision := sink.OnNewContextRequested(from, url)
	log.Printf("[view:%d] window open %s: %s (context %d, reused=%v)", from.ID, url, decision.Action, decision.ContextID, decision.Reused)
}

func usableURL(u string) bool {
	return u != "" && u != "about:blank"
}

type eventThrottler struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newEventThrottler(ms int) *eventThrottler {
	if ms <= 0 {
		return nil
	}
	return &eventThrottler{
		interval: time.Duration(ms) * time.Millisecond,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether key has not been seen within the interval.
func (t *eventThrottler) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}
