package views

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"claimwatch/internal/invariant"
)

const (
	defaultNestedTitle = "New Tab"
	minZoom            = 0.5
	maxZoom            = 3.0
)

// ErrTornDown is returned by create operations after Teardown.
var ErrTornDown = errors.New("view manager torn down")

// Options configures layout and the nested tier defaults.
type Options struct {
	// WebPartition is shared by the web container and every nested context.
	WebPartition string
	// StartURL is loaded into automatically created nested contexts.
	StartURL        string
	TopOffset       int
	BottomOffset    int
	NestedTabOffset int
	Viewport        Size
}

type entry struct {
	Context
	surface Surface
	visible bool
}

// Manager is the view registry together with its lifecycle operations. All
// methods are safe for concurrent use; mutations are serialized and each one
// emits its snapshots before the next begins. Host.Open runs under the lock
// so a new context is registered before any of its callbacks can look it
// up; hosts keep Open to page creation and navigate afterwards. Loads and
// partition clears run outside the lock.
type Manager struct {
	mu   sync.Mutex
	host Host
	sink Sink
	opts Options
	now  func() time.Time

	tiers    map[Tier]map[int]*entry
	counters map[Tier]int
	byKind   map[Kind]int
	viewport Size
	torndown bool
}

// NewManager creates an empty registry bound to host. sink may be nil.
func NewManager(host Host, sink Sink, opts Options) *Manager {
	if sink == nil {
		sink = SinkFunc(func(Snapshot) {})
	}
	return &Manager{
		host: host,
		sink: sink,
		opts: opts,
		now:  time.Now,
		tiers: map[Tier]map[int]*entry{
			TopLevel: {},
			Nested:   {},
		},
		counters: map[Tier]int{},
		byKind:   map[Kind]int{},
		viewport: opts.Viewport,
	}
}

// CreateTopLevel creates the singleton context of kind. Calling it again for a
// kind that already exists returns the existing id.
func (m *Manager) CreateTopLevel(kind Kind, closable bool) (int, error) {
	if !kind.IsTopLevel() {
		return 0, fmt.Errorf("unknown top-level kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torndown {
		return 0, ErrTornDown
	}
	if id, ok := m.byKind[kind]; ok {
		return id, nil
	}

	partition := ""
	if kind == KindWebContainer {
		partition = m.opts.WebPartition
	}
	e, err := m.openLocked(TopLevel, kind, partition, "", string(kind), closable)
	if err != nil {
		return 0, err
	}
	m.byKind[kind] = e.Ref.ID

	if _, ok := m.activeLocked(TopLevel); !ok {
		e.Active = true
	}
	m.settleLocked(TopLevel)
	m.applyLocked()
	m.emitLocked(TopLevel)
	return e.Ref.ID, nil
}

// CreateNested creates a context in the web container's partition. When
// switchTo is false the new context loads in the background, unless the
// nested tier was empty, in which case it becomes active regardless.
func (m *Manager) CreateNested(url, title string, switchTo, closable bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torndown {
		return 0, ErrTornDown
	}
	e, err := m.createNestedLocked(url, title, switchTo, closable)
	if err != nil {
		return 0, err
	}
	m.settleLocked(Nested)
	m.applyLocked()
	m.emitLocked(Nested)
	return e.Ref.ID, nil
}

func (m *Manager) createNestedLocked(url, title string, switchTo, closable bool) (*entry, error) {
	if title == "" {
		title = defaultNestedTitle
	}
	e, err := m.openLocked(Nested, KindWeb, m.opts.WebPartition, url, title, closable)
	if err != nil {
		return nil, err
	}
	current, hasActive := m.activeLocked(Nested)
	if switchTo || !hasActive {
		if hasActive {
			current.Active = false
		}
		e.Active = true
	}
	log.Printf("[view:%d] nested context created url=%s active=%v", e.Ref.ID, url, e.Active)
	return e, nil
}

func (m *Manager) openLocked(tier Tier, kind Kind, partition, url, title string, closable bool) (*entry, error) {
	id := m.counters[tier] + 1
	ref := Ref{Tier: tier, ID: id}
	surface, err := m.host.Open(SurfaceSpec{Ref: ref, Kind: kind, Partition: partition, URL: url})
	if err != nil {
		return nil, fmt.Errorf("open %s surface: %w", kind, err)
	}
	m.counters[tier] = id

	e := &entry{
		Context: Context{
			Ref:       ref,
			Kind:      kind,
			URL:       url,
			Title:     title,
			Closable:  closable,
			Partition: partition,
			Zoom:      1.0,
			CreatedAt: m.now(),
		},
		surface: surface,
	}
	m.tiers[tier][id] = e
	return e, nil
}

// SwitchTopLevel makes id the visible top-level context.
func (m *Manager) SwitchTopLevel(id int) bool {
	return m.Switch(Ref{Tier: TopLevel, ID: id})
}

// SwitchNested makes id the active nested context.
func (m *Manager) SwitchNested(id int) bool {
	return m.Switch(Ref{Tier: Nested, ID: id})
}

// Switch makes ref the sole active context of its tier. Unknown refs are
// ignored and reported as false.
func (m *Manager) Switch(ref Ref) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.tiers[ref.Tier][ref.ID]
	if !ok || m.torndown {
		return false
	}
	if target.Active {
		return true
	}
	if current, ok := m.activeLocked(ref.Tier); ok {
		current.Active = false
	}
	target.Active = true

	m.settleLocked(ref.Tier)
	m.applyLocked()
	m.emitLocked(ref.Tier)
	return true
}

// Close destroys a closable context. Closing the active context activates the
// lowest remaining id; closing the last nested context creates a fresh one
// at the start URL.
func (m *Manager) Close(ref Ref) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tiers[ref.Tier][ref.ID]
	if !ok || !e.Closable || m.torndown {
		return false
	}

	wasActive := e.Active
	e.Active = false
	m.destroyLocked(e)
	delete(m.tiers[ref.Tier], ref.ID)
	if ref.Tier == TopLevel {
		delete(m.byKind, e.Kind)
	}
	log.Printf("[view:%d] %s context closed", ref.ID, ref.Tier)

	remaining := m.sortedIDsLocked(ref.Tier)
	switch {
	case len(remaining) > 0 && wasActive:
		m.tiers[ref.Tier][remaining[0]].Active = true
	case len(remaining) == 0 && ref.Tier == Nested:
		if _, err := m.createNestedLocked(m.opts.StartURL, defaultNestedTitle, true, true); err != nil {
			log.Printf("[view] replacement nested context failed: %v", err)
		}
	}

	m.settleLocked(ref.Tier)
	m.applyLocked()
	m.emitLocked(ref.Tier)
	return true
}

// Retitle updates the display title of ref.
func (m *Manager) Retitle(ref Ref, title string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tiers[ref.Tier][ref.ID]
	if !ok {
		return false
	}
	if e.Title == title {
		return true
	}
	e.Title = title
	m.emitLocked(ref.Tier)
	return true
}

// SetURL records the URL ref navigated to.
func (m *Manager) SetURL(ref Ref, url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tiers[ref.Tier][ref.ID]
	if !ok {
		return false
	}
	if e.URL == url {
		return true
	}
	e.URL = url
	m.emitLocked(ref.Tier)
	return true
}

// Get returns a copy of the context at ref.
func (m *Manager) Get(ref Ref) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tiers[ref.Tier][ref.ID]
	if !ok {
		return Context{}, false
	}
	return e.Context, true
}

// List returns the contexts of tier ordered by id.
func (m *Manager) List(tier Tier) []Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.sortedIDsLocked(tier)
	out := make([]Context, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.tiers[tier][id].Context)
	}
	return out
}

// Snapshot returns the current tab list of tier.
func (m *Manager) Snapshot(tier Tier) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(tier)
}

// FindNestedByURL returns the lowest nested id whose normalized URL equals
// normalized.
func (m *Manager) FindNestedByURL(normalized string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.sortedIDsLocked(Nested) {
		if NormalizeURL(m.tiers[Nested][id].URL) == normalized {
			return id, true
		}
	}
	return 0, false
}

// ActiveNested returns the active nested context.
func (m *Manager) ActiveNested() (Context, bool) {
	return m.active(Nested)
}

// ActiveTopLevel returns the active top-level context.
func (m *Manager) ActiveTopLevel() (Context, bool) {
	return m.active(TopLevel)
}

// TopLevelID returns the id of the singleton of kind.
func (m *Manager) TopLevelID(kind Kind) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKind[kind]
	return id, ok
}

func (m *Manager) active(tier Tier) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.activeLocked(tier)
	if !ok {
		return Context{}, false
	}
	return e.Context, true
}

// LoadActive navigates the active nested context to url, creating one if the
// tier is empty. It returns the id that received the load. The navigation
// itself runs without the registry lock.
func (m *Manager) LoadActive(url string) (int, error) {
	m.mu.Lock()
	if m.torndown {
		m.mu.Unlock()
		return 0, ErrTornDown
	}
	e, ok := m.activeLocked(Nested)
	if !ok {
		defer m.mu.Unlock()
		created, err := m.createNestedLocked(url, "", true, true)
		if err != nil {
			return 0, err
		}
		m.applyLocked()
		m.emitLocked(Nested)
		return created.Ref.ID, nil
	}
	ref, surface, before := e.Ref, e.surface, e.URL
	m.mu.Unlock()

	if err := surface.Load(url); err != nil {
		return ref.ID, fmt.Errorf("load %s: %w", url, err)
	}
	m.recordLoad(ref, before, url)
	return ref.ID, nil
}

// recordLoad stores url for ref unless the context is gone or a navigation
// callback already recorded where the load ended up.
func (m *Manager) recordLoad(ref Ref, before, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tiers[ref.Tier][ref.ID]
	if !ok || e.URL != before || e.URL == url {
		return
	}
	e.URL = url
	m.emitLocked(ref.Tier)
}

// Zoom sets the zoom factor of ref, clamped to [0.5, 3.0] in steps of 0.1.
func (m *Manager) Zoom(ref Ref, factor float64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tiers[ref.Tier][ref.ID]
	if !ok {
		return 0, false
	}
	factor = clampZoom(factor)
	if err := e.surface.SetZoom(factor); err != nil {
		log.Printf("[view:%d] zoom failed: %v", ref.ID, err)
		return e.Zoom, false
	}
	e.Zoom = factor
	return factor, true
}

func clampZoom(f float64) float64 {
	f = math.Round(f*10) / 10
	if f < minZoom {
		return minZoom
	}
	if f > maxZoom {
		return maxZoom
	}
	return f
}

// ClearWebSession wipes the shared web partition and returns the active
// nested context to the start URL. Neither step holds the registry lock.
func (m *Manager) ClearWebSession() error {
	if err := m.host.ClearPartition(m.opts.WebPartition); err != nil {
		return fmt.Errorf("clear partition %s: %w", m.opts.WebPartition, err)
	}
	if m.opts.StartURL == "" {
		return nil
	}

	m.mu.Lock()
	e, ok := m.activeLocked(Nested)
	if !ok || m.torndown {
		m.mu.Unlock()
		return nil
	}
	ref, surface, before := e.Ref, e.surface, e.URL
	m.mu.Unlock()

	if err := surface.Load(m.opts.StartURL); err != nil {
		return fmt.Errorf("reload start url: %w", err)
	}
	m.recordLoad(ref, before, m.opts.StartURL)
	return nil
}

// Resize records the host viewport and applies the new bounds.
func (m *Manager) Resize(size Size) []Placement {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.viewport = size
	m.applyLocked()
	return m.layoutLocked(size)
}

// ComputeBounds returns the rectangle each active context should occupy in a
// host viewport of the given size.
func (m *Manager) ComputeBounds(size Size) []Placement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layoutLocked(size)
}

// Teardown destroys every context. The manager rejects further mutations.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torndown {
		return
	}
	m.torndown = true
	for _, tier := range []Tier{Nested, TopLevel} {
		for _, id := range m.sortedIDsLocked(tier) {
			m.destroyLocked(m.tiers[tier][id])
			delete(m.tiers[tier], id)
		}
	}
	m.byKind = map[Kind]int{}
}

func (m *Manager) destroyLocked(e *entry) {
	if e.visible {
		if err := e.surface.Hide(); err != nil {
			log.Printf("[view:%d] hide before destroy failed: %v", e.Ref.ID, err)
		}
		e.visible = false
	}
	if err := e.surface.Destroy(); err != nil {
		log.Printf("[view:%d] destroy failed: %v", e.Ref.ID, err)
	}
}

func (m *Manager) layoutLocked(size Size) []Placement {
	top, ok := m.activeLocked(TopLevel)
	if !ok {
		return nil
	}
	region := Rect{
		X:      0,
		Y:      m.opts.TopOffset,
		Width:  max(0, size.Width),
		Height: max(0, size.Height-m.opts.TopOffset-m.opts.BottomOffset),
	}
	out := []Placement{{Ref: top.Ref, Rect: region}}

	if top.Kind != KindWebContainer {
		return out
	}
	if nested, ok := m.activeLocked(Nested); ok {
		out = append(out, Placement{
			Ref: nested.Ref,
			Rect: Rect{
				X:      region.X,
				Y:      region.Y + m.opts.NestedTabOffset,
				Width:  region.Width,
				Height: max(0, region.Height-m.opts.NestedTabOffset),
			},
		})
	}
	return out
}

// applyLocked brings surface visibility and bounds in line with the registry.
// A nested context is only shown while the web container is the visible
// top-level context.
func (m *Manager) applyLocked() {
	placements := m.layoutLocked(m.viewport)
	shown := make(map[Ref]Rect, len(placements))
	for _, p := range placements {
		shown[p.Ref] = p.Rect
	}

	for _, tier := range []Tier{Nested, TopLevel} {
		for _, e := range m.tiers[tier] {
			rect, want := shown[e.Ref]
			switch {
			case want:
				if err := e.surface.SetBounds(rect); err != nil {
					log.Printf("[view:%d] set bounds failed: %v", e.Ref.ID, err)
				}
				if !e.visible {
					if err := e.surface.Show(); err != nil {
						log.Printf("[view:%d] show failed: %v", e.Ref.ID, err)
						continue
					}
					e.visible = true
				}
			case e.visible:
				if err := e.surface.Hide(); err != nil {
					log.Printf("[view:%d] hide failed: %v", e.Ref.ID, err)
					continue
				}
				e.visible = false
			}
		}
	}
}

// activeLocked returns the active entry of tier.
func (m *Manager) activeLocked(tier Tier) (*entry, bool) {
	for _, id := range m.sortedIDsLocked(tier) {
		if e := m.tiers[tier][id]; e.Active {
			return e, true
		}
	}
	return nil, false
}

// settleLocked checks that a non-empty tier has exactly one active context
// and repairs it otherwise, keeping the lowest active id.
func (m *Manager) settleLocked(tier Tier) {
	ids := m.sortedIDsLocked(tier)
	if len(ids) == 0 {
		return
	}
	var active []int
	for _, id := range ids {
		if m.tiers[tier][id].Active {
			active = append(active, id)
		}
	}
	switch {
	case len(active) == 0:
		invariant.Violation("%s tier has %d contexts and none active", tier, len(ids))
		m.tiers[tier][ids[0]].Active = true
	case len(active) > 1:
		invariant.Violation("%s tier has %d active contexts %v", tier, len(active), active)
		for _, id := range active[1:] {
			m.tiers[tier][id].Active = false
		}
	}
}

func (m *Manager) sortedIDsLocked(tier Tier) []int {
	ids := make([]int, 0, len(m.tiers[tier]))
	for id := range m.tiers[tier] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (m *Manager) snapshotLocked(tier Tier) Snapshot {
	ids := m.sortedIDsLocked(tier)
	tabs := make([]TabInfo, 0, len(ids))
	for _, id := range ids {
		e := m.tiers[tier][id]
		tabs = append(tabs, TabInfo{
			ID:       id,
			Kind:     e.Kind,
			Title:    e.Title,
			URL:      e.URL,
			Active:   e.Active,
			Closable: e.Closable,
		})
	}
	return Snapshot{Tier: tier, Tabs: tabs}
}

func (m *Manager) emitLocked(tier Tier) {
	m.sink.TabsChanged(m.snapshotLocked(tier))
}
