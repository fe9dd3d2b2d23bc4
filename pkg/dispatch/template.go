package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ignatij/leadflow/pkg/condition"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// DefaultLabels are used when a tenant does not override a label.
var DefaultLabels = map[string]string{
	"appointment": "appointment",
}

// Render substitutes {{token}} placeholders in s. Tokens resolve against ctx
// first (dotted paths allowed), then labels. Unknown tokens render empty.
func Render(s string, ctx map[string]any, labels map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := tokenPattern.FindStringSubmatch(m)[1]
		if v, ok := condition.Lookup(ctx, name); ok {
			if str, isStr := v.(string); isStr {
				return str
			}
			return fmt.Sprint(v)
		}
		if l, ok := labels[name]; ok {
			return l
		}
		if l, ok := DefaultLabels[name]; ok {
			return l
		}
		return ""
	})
}

// RenderConfig returns a copy of config with every string value rendered,
// descending into nested maps and slices.
func RenderConfig(config map[string]any, ctx map[string]any, labels map[string]string) map[string]any {
	if config == nil {
		return map[string]any{}
	}
	out, _ := renderValue(config, ctx, labels).(map[string]any)
	return out
}

func renderValue(v any, ctx map[string]any, labels map[string]string) any {
	switch t := v.(type) {
	case string:
		return Render(t, ctx, labels)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = renderValue(val, ctx, labels)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, val := range t {
			l[i] = renderValue(val, ctx, labels)
		}
		return l
	case []string:
		l := make([]string, len(t))
		for i, val := range t {
			l[i] = Render(val, ctx, labels)
		}
		return l
	}
	return v
}
