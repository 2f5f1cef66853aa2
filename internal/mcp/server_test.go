package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"claimwatch/internal/config"
	"claimwatch/internal/correlator"
	"claimwatch/internal/mangle"
	"claimwatch/internal/store"
	"claimwatch/internal/views"

	"github.com/mark3labs/mcp-go/mcp"
)

type stubSurface struct {
	url  string
	zoom float64
}

func (s *stubSurface) Load(url string) error { s.url = url; return nil }
func (s *stubSurface) URL() string { return s.url }
func (s *stubSurface) Title() string { return "" }
func (s *stubSurface) SetBounds(views.Rect) error { return nil }
func (s *stubSurface) Show() error { return nil }
func (s *stubSurface) Hide() error { return nil }
func (s *stubSurface) SetZoom(f float64) error { s.zoom = f; return nil }
func (s *stubSurface) Destroy() error { return nil }

type stubHost struct {
	cleared []string
}

func (h *stubHost) Open(spec views.SurfaceSpec) (views.Surface, error) {
	return &stubSurface{url: spec.URL}, nil
}

func (h *stubHost) ClearPartition(p string) error {
	h.cleared = append(h.cleared, p)
	return nil
}

type stubClaims struct {
	mu        sync.Mutex
	state     correlator.State
	submitted []correlator.Input
	err       error
}

func (c *stubClaims) Submit(in correlator.Input) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, in)
	if _, ok := in.(correlator.EndClaim); ok {
		c.state = correlator.State{}
	}
	return nil
}

func (c *stubClaims) State(context.Context) (correlator.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.err
}

type stubMetrics struct {
	lastFilter store.ClaimFilter
	lastUser   string
}

func (m *stubMetrics) SessionID() int64 { return 7 }
func (m *stubMetrics) User() string { return "adjuster@example.com" }
func (m *stubMetrics) SessionSummary(_ context.Context, id int64) (store.SessionSummary, error) {
	if id != 3 {
		return store.SessionSummary{}, errors.New("no such session")
	}
	return store.SessionSummary{SessionID: 3, ClaimsProcessed: 1}, nil
}
func (m *stubMetrics) CurrentSummary(context.Context) (store.SessionSummary, error) {
	return store.SessionSummary{SessionID: 7, ClaimsProcessed: 2}, nil
}
func (m *stubMetrics) ClaimMetrics(_ context.Context, f store.ClaimFilter) ([]store.ClaimTypeMetrics, error) {
	m.lastFilter = f
	return []store.ClaimTypeMetrics{{ClaimType: "workers_comp", TotalClaims: 1}}, nil
}
func (m *stubMetrics) UserMetrics(_ context.Context, user string) (store.UserMetrics, error) {
	m.lastUser = user
	return store.UserMetrics{User: user}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type testEnv struct {
	server  *Server
	host    *stubHost
	manager *views.Manager
	claims  *stubClaims
	metrics *stubMetrics
	engine  *mangle.Engine
	ui      *UI
}

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := setupTestServerConfig()

	engine, err := mangle.NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: 100})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	ui := NewUI()
	host := &stubHost{}
	manager := views.NewManager(host, ui, views.Options{
		WebPartition: "persist:claims",
		StartURL:     "https://claims.example.com/",
		TopOffset:    130,
		Viewport:     views.Size{Width: 1400, Height: 900},
	})
	if _, err := manager.CreateTopLevel(views.KindWebContainer, false); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.CreateNested("https://claims.example.com/", "", true, false); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		host:    host,
		manager: manager,
		claims:  &stubClaims{},
		metrics: &stubMetrics{},
		engine:  engine,
		ui:      ui,
	}
	env.server, err = NewServer(cfg, Deps{
		Views:    manager,
		Metrics:  env.metrics,
		Claims:   env.claims,
		Engine:   engine,
		UI:       ui,
		Store:    stubPinger{},
		TraceDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return env
}

func TestNewServer(t *testing.T) {
	t.Run("registers every tool group", func(t *testing.T) {
		env := newTestEnv(t)
		for _, name := range []string{
			"list-views", "create-view", "switch-view", "close-view", "load-url", "zoom-view",
			"clear-session", "resize-host", "current-claim", "end-claim", "session-summary",
			"claim-metrics", "user-metrics", "list-traces", "query-facts", "evaluate-rule",
			"submit-rule", "query-temporal",
		} {
			if _, ok := env.server.tools[name]; !ok {
				t.Errorf("expected tool %q to be registered", name)
			}
		}
	})

	t.Run("missing deps leave tools out", func(t *testing.T) {
		server, err := NewServer(setupTestServerConfig(), Deps{})
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		if len(server.tools) != 0 {
			t.Errorf("expected no tools without deps, got %d", len(server.tools))
		}
	})
}

func TestToolInterface(t *testing.T) {
	env := newTestEnv(t)

	for name, tool := range env.server.tools {
		if tool.Name() != name {
			t.Errorf("tool registered as %q but Name() returns %q", name, tool.Name())
		}
		if tool.Description() == "" {
			t.Errorf("tool %q has empty description", name)
		}
		schema := tool.InputSchema()
		if schema == nil || schema["type"] != "object" {
			t.Errorf("tool %q schema type is not 'object': %v", name, schema)
		}
		if _, err := json.Marshal(schema); err != nil {
			t.Errorf("tool %q schema does not marshal: %v", name, err)
		}
	}
}

func TestExecuteTool(t *testing.T) {
	env := newTestEnv(t)

	t.Run("nil args", func(t *testing.T) {
		result, err := env.server.ExecuteTool("list-views", nil)
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if result == nil {
			t.Error("expected non-nil result")
		}
	})

	t.Run("non-existent tool", func(t *testing.T) {
		if _, err := env.server.ExecuteTool("non-existent-tool", nil); err == nil {
			t.Error("expected error for non-existent tool")
		}
	})
}

func TestWrapToolReportsErrors(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.wrapTool(env.server.tools["load-url"])

	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]interface{}{}
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned transport error: %v", err)
	}
	if !res.IsError {
		t.Error("expected IsError for missing url")
	}

	req.Params.Arguments = map[string]interface{}{"url": "https://claims.example.com/claim.jsp"}
	res, err = handler(context.Background(), req)
	if err != nil || res.IsError {
		t.Fatalf("expected success, got %v %+v", err, res)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(text.Text), &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded["url"] != "https://claims.example.com/claim.jsp" {
		t.Errorf("unexpected payload: %v", decoded)
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("test-tool", map[string]interface{}{
		"bad": math.NaN(),
	})
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload should always be valid JSON: %v", err)
	}
	if success, _ := decoded["success"].(bool); success {
		t.Fatalf("expected success=false fallback payload, got %v", decoded)
	}
	if decoded["error"] == nil {
		t.Fatalf("expected fallback payload to include error, got %v", decoded)
	}
}

func TestResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("about", func(t *testing.T) {
		var req mcp.ReadResourceRequest
		req.Params.URI = "claimwatch://about"
		contents, err := env.server.handleAboutResource(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		payload := decodeResource(t, contents)
		if payload["name"] != "test-server" {
			t.Errorf("unexpected name: %v", payload["name"])
		}
		if payload["storage"] != "ok" {
			t.Errorf("expected healthy storage, got %v", payload["storage"])
		}
		if payload["session_id"] != float64(7) {
			t.Errorf("expected session id 7, got %v", payload["session_id"])
		}
	})

	t.Run("session mirrors tabs", func(t *testing.T) {
		var req mcp.ReadResourceRequest
		req.Params.URI = "claimwatch://session"
		contents, err := env.server.handleSessionResource(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		payload := decodeResource(t, contents)
		nested, _ := payload["nested"].(map[string]interface{})
		tabs, _ := nested["tabs"].([]interface{})
		if len(tabs) != 1 {
			t.Errorf("expected one nested tab, got %v", payload["nested"])
		}
	})

	t.Run("facts template", func(t *testing.T) {
		_ = env.engine.AddFacts(ctx, []mangle.Fact{
			{Predicate: "claim", Args: []interface{}{int64(1), "778899", "workers_comp", int64(1000)}, Timestamp: time.UnixMilli(1000)},
			{Predicate: "claim", Args: []interface{}{int64(2), "445566", "liability", int64(2000)}, Timestamp: time.UnixMilli(2000)},
		})
		var req mcp.ReadResourceRequest
		req.Params.URI = "claimwatch://facts/claim?limit=1"
		req.Params.Arguments = map[string]any{"predicate": "claim", "limit": []string{"1"}}
		contents, err := env.server.handleFactsResource(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		payload := decodeResource(t, contents)
		facts, _ := payload["facts"].([]interface{})
		if len(facts) != 1 {
			t.Fatalf("expected the newest fact only, got %v", payload)
		}
		args := facts[0].(map[string]interface{})["args"].([]interface{})
		if args[1] != "445566" {
			t.Errorf("expected newest claim, got %v", args)
		}

		req.Params.Arguments = map[string]any{}
		if _, err := env.server.handleFactsResource(ctx, req); err == nil {
			t.Error("expected error without predicate")
		}
	})
}

func decodeResource(t *testing.T, contents []mcp.ResourceContents) map[string]interface{} {
	t.Helper()
	if len(contents) != 1 {
		t.Fatalf("expected one content, got %d", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected text resource, got %T", contents[0])
	}
	if text.MIMEType != resourceMIMEJSON {
		t.Errorf("unexpected mime type %q", text.MIMEType)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Fatalf("resource is not JSON: %v", err)
	}
	return payload
}
