package mcp

import (
	"context"
	"fmt"

	"claimwatch/internal/views"
)

var refProperties = map[string]interface{}{
	"tier": map[string]interface{}{
		"type":        "string",
		"enum":        []string{"nested", "top-level"},
		"description": "Which tier the id belongs to (default: nested)",
	},
	"id": map[string]interface{}{
		"type":        "integer",
		"description": "Context id within the tier",
	},
}

type ListViewsTool struct {
	views Views
}

func (t *ListViewsTool) Name() string { return "list-views" }
func (t *ListViewsTool) Description() string {
	return `List the content contexts of both tiers.

The top level holds the singleton email, web-container, metrics and admin
contexts. The nested tier holds the web contexts shown inside the
web-container. Ids are only unique within a tier.

Returns: {top_level: [...], nested: [...]} with url, title, zoom and which
context is active.`
}
func (t *ListViewsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListViewsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"top_level": t.views.List(views.TopLevel),
		"nested":    t.views.List(views.Nested),
	}, nil
}

type CreateViewTool struct {
	views Views
}

func (t *CreateViewTool) Name() string { return "create-view" }
func (t *CreateViewTool) Description() string {
	return `Open a new nested web context in the shared claims partition.

Returns: {id, tabs} - the new id and the nested tab list after the change.`
}
func (t *CreateViewTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to load",
			},
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Initial tab title (default: New Tab)",
			},
			"switch": map[string]interface{}{
				"type":        "boolean",
				"description": "Activate the new context (default: true)",
			},
		},
		"required": []string{"url"},
	}
}
func (t *CreateViewTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	id, err := t.views.CreateNested(url, getStringArg(args, "title"), getBoolArg(args, "switch", true), true)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":   id,
		"tabs": t.views.Snapshot(views.Nested).Tabs,
	}, nil
}

type SwitchViewTool struct {
	views Views
}

func (t *SwitchViewTool) Name() string { return "switch-view" }
func (t *SwitchViewTool) Description() string {
	return `Make a context the active one of its tier. Switching to a top-level
context hides the nested tier unless the target is the web-container.`
}
func (t *SwitchViewTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": refProperties,
		"required":   []string{"id"},
	}
}
func (t *SwitchViewTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	ref, err := getRefArg(args)
	if err != nil {
		return nil, err
	}
	if !t.views.Switch(ref) {
		return nil, fmt.Errorf("no context %s", ref)
	}
	return map[string]interface{}{"switched": true, "tabs": t.views.Snapshot(ref.Tier).Tabs}, nil
}

type CloseViewTool struct {
	views Views
}

func (t *CloseViewTool) Name() string { return "close-view" }
func (t *CloseViewTool) Description() string {
	return `Close a closable context. Closing the last nested context replaces it
with a fresh one at the start URL.

Returns: {closed: false} for unknown or non-closable contexts.`
}
func (t *CloseViewTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": refProperties,
		"required":   []string{"id"},
	}
}
func (t *CloseViewTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	ref, err := getRefArg(args)
	if err != nil {
		return nil, err
	}
	closed := t.views.Close(ref)
	return map[string]interface{}{"closed": closed, "tabs": t.views.Snapshot(ref.Tier).Tabs}, nil
}

type LoadURLTool struct {
	views Views
}

func (t *LoadURLTool) Name() string { return "load-url" }
func (t *LoadURLTool) Description() string {
	return "Navigate the active nested context to url, opening one if the tier is empty."
}
func (t *LoadURLTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to load",
			},
		},
		"required": []string{"url"},
	}
}
func (t *LoadURLTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	id, err := t.views.LoadActive(url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "url": url}, nil
}

type ZoomViewTool struct {
	views Views
}

func (t *ZoomViewTool) Name() string { return "zoom-view" }
func (t *ZoomViewTool) Description() string {
	return "Set a context's zoom factor. The factor is clamped to 0.5-3.0 in steps of 0.1."
}
func (t *ZoomViewTool) InputSchema() map[string]interface{} {
	props := map[string]interface{}{
		"factor": map[string]interface{}{
			"type":        "number",
			"description": "Zoom factor, 1.0 is 100%",
		},
	}
	for k, v := range refProperties {
		props[k] = v
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   []string{"id", "factor"},
	}
}
func (t *ZoomViewTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	ref, err := getRefArg(args)
	if err != nil {
		return nil, err
	}
	factor := getFloatArg(args, "factor", 0)
	if factor <= 0 {
		return nil, fmt.Errorf("factor must be positive")
	}
	applied, ok := t.views.Zoom(ref, factor)
	if !ok {
		return nil, fmt.Errorf("zoom %s failed", ref)
	}
	return map[string]interface{}{"zoom": applied}, nil
}

type ClearSessionTool struct {
	views Views
}

func (t *ClearSessionTool) Name() string { return "clear-session" }
func (t *ClearSessionTool) Description() string {
	return `Wipe cookies and storage of the shared claims partition and send the
active nested context back to the start URL. Use after a sign-out or when the
hosted application is stuck on a stale login.`
}
func (t *ClearSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ClearSessionTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.views.ClearWebSession(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cleared": true}, nil
}

type ResizeHostTool struct {
	views Views
}

func (t *ResizeHostTool) Name() string { return "resize-host" }
func (t *ResizeHostTool) Description() string {
	return `Report a new host window size and apply the resulting bounds.

Set dry_run to compute the rectangles without applying them.

Returns: {placements: [{ref, rect}]} for each active context.`
}
func (t *ResizeHostTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"width": map[string]interface{}{
				"type":        "integer",
				"description": "Drawable width in pixels",
			},
			"height": map[string]interface{}{
				"type":        "integer",
				"description": "Drawable height in pixels",
			},
			"dry_run": map[string]interface{}{
				"type":        "boolean",
				"description": "Only compute bounds (default: false)",
			},
		},
		"required": []string{"width", "height"},
	}
}
func (t *ResizeHostTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	size := views.Size{Width: getIntArg(args, "width", 0), Height: getIntArg(args, "height", 0)}
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("width and height must be positive")
	}
	var placements []views.Placement
	if getBoolArg(args, "dry_run", false) {
		placements = t.views.ComputeBounds(size)
	} else {
		placements = t.views.Resize(size)
	}
	return map[string]interface{}{"placements": placements}, nil
}
