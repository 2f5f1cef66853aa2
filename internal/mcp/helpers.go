package mcp

import (
	"fmt"
	"strings"
	"time"

	"claimwatch/internal/views"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func getFloatArg(args map[string]interface{}, key string, fallback float64) float64 {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

// getRefArg reads the "tier" and "id" arguments. Tier defaults to nested.
func getRefArg(args map[string]interface{}) (views.Ref, error) {
	tier, err := parseTier(getStringArg(args, "tier"))
	if err != nil {
		return views.Ref{}, err
	}
	id := getIntArg(args, "id", 0)
	if id <= 0 {
		return views.Ref{}, fmt.Errorf("id is required")
	}
	return views.Ref{Tier: tier, ID: id}, nil
}

func parseTier(s string) (views.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nested", "web":
		return views.Nested, nil
	case "top-level", "top_level", "toplevel", "top":
		return views.TopLevel, nil
	default:
		return 0, fmt.Errorf("unknown tier %q (want nested or top-level)", s)
	}
}

// getTimeArg accepts RFC 3339 timestamps or plain dates. Missing is zero.
func getTimeArg(args map[string]interface{}, key string) (time.Time, error) {
	raw := getStringArg(args, key)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: cannot parse %q as a date", key, raw)
}
