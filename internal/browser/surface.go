package browser

import (
	"context"
	"fmt"
	"log"
	"sync"

	"claimwatch/internal/views"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// surface is one page. URL and title are cached from events so the manager
// can read them without a CDP round trip.
type surface struct {
	host *Host
	spec views.SurfaceSpec
	page *rod.Page
	// incognito context created for this surface alone
	ownContext *rod.Browser

	cancel context.CancelFunc

	mu    sync.Mutex
	url   string
	title string
	zoom  float64
}

func newSurface(h *Host, spec views.SurfaceSpec, page *rod.Page) *surface {
	return &surface{host: h, spec: spec, page: page, zoom: 1}
}

func (s *surface) Load(url string) error {
	if err := s.page.Timeout(s.host.cfg.NavigationTimeout()).Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
	return nil
}

func (s *surface) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *surface) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *surface) SetBounds(r views.Rect) error {
	if r.Width <= 0 || r.Height <= 0 {
		return nil
	}
	return proto.EmulationSetDeviceMetricsOverride{
		Width:             r.Width,
		Height:            r.Height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}.Call(s.page)
}

func (s *surface) Show() error {
	if _, err := s.page.Activate(); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// Hide is a no-op: a page tab is out of sight once another tab is activated.
func (s *surface) Hide() error {
	return nil
}

func (s *surface) SetZoom(factor float64) error {
	if err := (proto.EmulationSetPageScaleFactor{PageScaleFactor: factor}).Call(s.page); err != nil {
		return fmt.Errorf("page scale: %w", err)
	}
	s.mu.Lock()
	s.zoom = factor
	s.mu.Unlock()
	return nil
}

func (s *surface) Destroy() error {
	s.stop()
	s.host.forget(s.page.TargetID)
	err := s.page.Close()
	if s.ownContext != nil {
		if cerr := s.ownContext.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *surface) stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// start installs the instrumentation script and follows navigations until
// the surface is destroyed.
func (s *surface) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	if err := s.installBinding(); err != nil {
		log.Printf("[view:%d] install binding failed: %v", s.spec.Ref.ID, err)
	}
	if _, err := s.page.EvalOnNewDocument(instrumentationJS); err != nil {
		log.Printf("[view:%d] install instrumentation failed: %v", s.spec.Ref.ID, err)
	}

	wait := s.page.Context(ctx).EachEvent(s.bindingCalled, func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		s.mu.Lock()
		s.url = ev.Frame.URL
		zoom := s.zoom
		s.mu.Unlock()
		if zoom != 1 {
			_ = proto.EmulationSetPageScaleFactor{PageScaleFactor: zoom}.Call(s.page)
		}
		if sink := s.host.eventSink(); sink != nil {
			sink.OnNavigated(s.spec.Ref, ev.Frame.URL)
		}
	})
	go wait()
	go s.pollInstrumentation(ctx)
}

func (s *surface) titleChanged(title string) {
	s.mu.Lock()
	same := s.title == title
	s.title = title
	s.mu.Unlock()
	if same {
		return
	}
	if sink := s.host.eventSink(); sink != nil {
		sink.OnTitleChanged(s.spec.Ref, title)
	}
}

func (s *surface) clearStorage() {
	_, err := s.page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			try { localStorage.clear(); } catch (e) {}
			try { sessionStorage.clear(); } catch (e) {}
			return true;
		}`,
		ByValue: true,
	})
	if err != nil {
		log.Printf("[view:%d] clear storage failed: %v", s.spec.Ref.ID, err)
	}
}
