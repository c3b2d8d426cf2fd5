// Package liquid interpolates the Liquid templates found in agent options.
// Parsing and rendering are done by github.com/osteele/liquid; this package
// adds the walk over option trees and the agent-specific filters.
package liquid

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	engine "github.com/osteele/liquid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Context holds the variables visible to a template.
type Context map[string]any

// Merge returns a new context with the keys of extra layered over c.
func (c Context) Merge(extra Context) Context {
	out := make(Context, len(c)+len(extra))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

const templateCacheSize = 1024

var (
	eng       = newEngine()
	templates = mustCache(templateCacheSize)
)

func mustCache(size int) *lru.Cache[string, *engine.Template] {
	c, err := lru.New[string, *engine.Template](size)
	if err != nil {
		panic(err)
	}
	return c
}

// HasTag reports whether s contains an output or block tag.
func HasTag(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

// Render interpolates tmpl. Unknown variables render as the empty string.
// A template that fails to parse or render is returned unchanged.
func Render(tmpl string, ctx Context) string {
	if !HasTag(tmpl) {
		return tmpl
	}
	out, err := render(tmpl, ctx)
	if err != nil {
		slog.Debug("liquid render failed", "error", err)
		return tmpl
	}
	return out
}

func render(tmpl string, ctx Context) (string, error) {
	t, ok := templates.Get(tmpl)
	if !ok {
		parsed, err := eng.ParseString(tmpl)
		if err != nil {
			return "", err
		}
		t = parsed
		templates.Add(tmpl, t)
	}
	out, err := t.RenderString(bindings(ctx))
	if err != nil {
		return "", err
	}
	return out, nil
}

// RenderTree interpolates every string leaf of v. Mapping keys are kept
// verbatim; non-string leaves pass through.
func RenderTree(v any, ctx Context) any {
	switch t := v.(type) {
	case string:
		return Render(t, ctx)
	case *orderedmap.OrderedMap[string, any]:
		out := orderedmap.New[string, any]()
		for pair := t.Oldest(); pair != nil; pair = pair.Next() {
			out.Set(pair.Key, RenderTree(pair.Value, ctx))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = RenderTree(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RenderTree(val, ctx)
		}
		return out
	default:
		return v
	}
}

// bindings converts ctx to the engine's binding map. Ordered maps become
// plain maps so their keys resolve in templates.
func bindings(ctx Context) engine.Bindings {
	out := make(engine.Bindings, len(ctx))
	for k, v := range ctx {
		out[k] = plain(v)
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case *orderedmap.OrderedMap[string, any]:
		out := make(map[string]any, t.Len())
		for pair := t.Oldest(); pair != nil; pair = pair.Next() {
			out[pair.Key] = plain(pair.Value)
		}
		return out
	case Context:
		return map[string]any(bindings(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

// ToString renders a value the way it is printed into a header or date
// field outside a template.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
