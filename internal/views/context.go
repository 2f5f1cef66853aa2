// Package views owns the two-tier registry of content contexts and every
// lifecycle mutation applied to it.
package views

import (
	"fmt"
	"time"
)

// Tier is one of the two levels of the view hierarchy.
type Tier int

const (
	TopLevel Tier = iota
	Nested
)

func (t Tier) String() string {
	switch t {
	case TopLevel:
		return "top-level"
	case Nested:
		return "nested"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Kind identifies what a context hosts. Top-level kinds are singletons.
type Kind string

const (
	KindEmail        Kind = "email"
	KindWebContainer Kind = "web-container"
	KindMetrics      Kind = "metrics"
	KindAdmin        Kind = "admin"
	// KindWeb is the kind of every nested context.
	KindWeb Kind = "web"
)

// TopLevelKinds lists the allowed top-level kinds in display order.
var TopLevelKinds = []Kind{KindEmail, KindWebContainer, KindMetrics, KindAdmin}

// IsTopLevel reports whether k names a top-level singleton.
func (k Kind) IsTopLevel() bool {
	for _, known := range TopLevelKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Ref addresses a context. IDs are only unique within a tier.
type Ref struct {
	Tier Tier `json:"tier"`
	ID   int  `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Tier, r.ID)
}

// Context is a point-in-time copy of one registry entry.
type Context struct {
	Ref       Ref       `json:"ref"`
	Kind      Kind      `json:"kind"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Closable  bool      `json:"closable"`
	Partition string    `json:"partition"`
	Active    bool      `json:"active"`
	Zoom      float64   `json:"zoom"`
	CreatedAt time.Time `json:"created_at"`
}

// TabInfo is one row of a tabs-changed snapshot.
type TabInfo struct {
	ID       int    `json:"id"`
	Kind     Kind   `json:"kind"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Active   bool   `json:"active"`
	Closable bool   `json:"closable"`
}

// Snapshot is the ordered tab list of one tier after a mutation.
type Snapshot struct {
	Tier Tier      `json:"tier"`
	Tabs []TabInfo `json:"tabs"`
}

// Active returns the active tab of the snapshot, if any.
func (s Snapshot) Active() (TabInfo, bool) {
	for _, tab := range s.Tabs {
		if tab.Active {
			return tab, true
		}
	}
	return TabInfo{}, false
}

// Sink receives snapshots in mutation order. It is called while the manager
// holds its lock and must not call back into the manager. A slow sink delays
// every registry reader, as does a slow Host.Open.
type Sink interface {
	TabsChanged(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

func (f SinkFunc) TabsChanged(s Snapshot) { f(s) }

// Size is the host window's drawable size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect is a viewport region in host coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Placement assigns a rectangle to an active context.
type Placement struct {
	Ref  Ref  `json:"ref"`
	Rect Rect `json:"rect"`
}
