package mcp

import (
	"testing"

	"claimwatch/internal/views"
)

func TestListViewsTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.ExecuteTool("list-views", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	m := result.(map[string]interface{})
	top := m["top_level"].([]views.Context)
	nested := m["nested"].([]views.Context)
	if len(top) != 1 || top[0].Kind != views.KindWebContainer {
		t.Errorf("unexpected top level: %+v", top)
	}
	if len(nested) != 1 || nested[0].URL != "https://claims.example.com/" {
		t.Errorf("unexpected nested tier: %+v", nested)
	}
}

func TestCreateSwitchAndCloseView(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.server.ExecuteTool("create-view", map[string]interface{}{}); err == nil {
		t.Error("expected error without url")
	}

	result, err := env.server.ExecuteTool("create-view", map[string]interface{}{
		"url":   "https://claims.example.com/claim.jsp?claim_id=778899",
		"title": "Claim",
	})
	if err != nil {
		t.Fatalf("create-view failed: %v", err)
	}
	id := result.(map[string]interface{})["id"].(int)
	if id != 2 {
		t.Errorf("expected id 2, got %d", id)
	}
	if active, ok := env.ui.State().Nested.Active(); !ok || active.ID != 2 {
		t.Errorf("expected the new view to be active in the UI, got %+v", active)
	}

	if _, err := env.server.ExecuteTool("switch-view", map[string]interface{}{"id": float64(1)}); err != nil {
		t.Fatalf("switch-view failed: %v", err)
	}
	if active, _ := env.ui.State().Nested.Active(); active.ID != 1 {
		t.Errorf("expected view 1 active, got %d", active.ID)
	}
	if _, err := env.server.ExecuteTool("switch-view", map[string]interface{}{"id": float64(99)}); err == nil {
		t.Error("expected error for unknown view")
	}
	if _, err := env.server.ExecuteTool("switch-view", map[string]interface{}{"id": float64(1), "tier": "sideways"}); err == nil {
		t.Error("expected error for unknown tier")
	}

	result, err = env.server.ExecuteTool("close-view", map[string]interface{}{"id": float64(1)})
	if err != nil {
		t.Fatal(err)
	}
	if result.(map[string]interface{})["closed"].(bool) {
		t.Error("the first nested view is not closable")
	}

	result, err = env.server.ExecuteTool("close-view", map[string]interface{}{"id": float64(2)})
	if err != nil {
		t.Fatal(err)
	}
	if !result.(map[string]interface{})["closed"].(bool) {
		t.Error("expected view 2 to close")
	}
	if got := len(env.manager.List(views.Nested)); got != 1 {
		t.Errorf("expected one nested view left, got %d", got)
	}
}

func TestSwitchTopLevelView(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.manager.CreateTopLevel(views.KindEmail, false); err != nil {
		t.Fatal(err)
	}
	id, _ := env.manager.TopLevelID(views.KindEmail)

	if _, err := env.server.ExecuteTool("switch-view", map[string]interface{}{"tier": "top-level", "id": float64(id)}); err != nil {
		t.Fatalf("switch-view failed: %v", err)
	}
	active, ok := env.manager.ActiveTopLevel()
	if !ok || active.Kind != views.KindEmail {
		t.Errorf("expected email active, got %+v", active)
	}
}

func TestLoadURLTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.ExecuteTool("load-url", map[string]interface{}{"url": "https://claims.example.com/claim.jsp"})
	if err != nil {
		t.Fatalf("load-url failed: %v", err)
	}
	if result.(map[string]interface{})["id"].(int) != 1 {
		t.Errorf("expected the active view to load, got %v", result)
	}
	ctx, _ := env.manager.ActiveNested()
	if ctx.URL != "https://claims.example.com/claim.jsp" {
		t.Errorf("url not recorded: %q", ctx.URL)
	}
}

func TestZoomViewTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.ExecuteTool("zoom-view", map[string]interface{}{"id": float64(1), "factor": 1.26})
	if err != nil {
		t.Fatalf("zoom-view failed: %v", err)
	}
	if z := result.(map[string]interface{})["zoom"].(float64); z != 1.3 {
		t.Errorf("expected zoom rounded to 1.3, got %v", z)
	}

	result, _ = env.server.ExecuteTool("zoom-view", map[string]interface{}{"id": float64(1), "factor": float64(9)})
	if z := result.(map[string]interface{})["zoom"].(float64); z != 3.0 {
		t.Errorf("expected zoom clamped to 3.0, got %v", z)
	}

	if _, err := env.server.ExecuteTool("zoom-view", map[string]interface{}{"id": float64(1)}); err == nil {
		t.Error("expected error without factor")
	}
	if _, err := env.server.ExecuteTool("zoom-view", map[string]interface{}{"id": float64(42), "factor": 1.0}); err == nil {
		t.Error("expected error for unknown view")
	}
}

func TestClearSessionTool(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.server.ExecuteTool("load-url", map[string]interface{}{"url": "https://claims.example.com/claim.jsp"})

	if _, err := env.server.ExecuteTool("clear-session", nil); err != nil {
		t.Fatalf("clear-session failed: %v", err)
	}
	if len(env.host.cleared) != 1 || env.host.cleared[0] != "persist:claims" {
		t.Errorf("expected the web partition cleared, got %v", env.host.cleared)
	}
	ctx, _ := env.manager.ActiveNested()
	if ctx.URL != "https://claims.example.com/" {
		t.Errorf("expected start url after clear, got %q", ctx.URL)
	}
}

func TestResizeHostTool(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.server.ExecuteTool("resize-host", map[string]interface{}{"width": float64(0), "height": float64(10)}); err == nil {
		t.Error("expected error for empty size")
	}

	for _, dryRun := range []bool{true, false} {
		result, err := env.server.ExecuteTool("resize-host", map[string]interface{}{
			"width": float64(1200), "height": float64(800), "dry_run": dryRun,
		})
		if err != nil {
			t.Fatalf("resize-host failed: %v", err)
		}
		placements := result.(map[string]interface{})["placements"].([]views.Placement)
		if len(placements) == 0 {
			t.Fatalf("expected placements (dry_run=%v)", dryRun)
		}
		for _, p := range placements {
			if p.Rect.Width != 1200 {
				t.Errorf("expected full width, got %+v", p)
			}
		}
	}
}
