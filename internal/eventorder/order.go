// Package eventorder sorts events by interpolated expressions, the format
// used by the `events_order` and `events_list_order` options.
package eventorder

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/liquid"
)

const (
	TypeString   = "string"
	TypeStringCI = "string_ci"
	TypeNumber   = "number"
	TypeTime     = "time"
)

// IndexVariable holds the 1-based position of an event in the list being
// sorted.
const IndexVariable = "_index_"

// Key is one sort key: an expression interpolated against each event, the
// type its result is compared as, and the direction.
type Key struct {
	Expr string
	Type string
	Desc bool
}

// Order is a list of keys, most significant first. A nil Order keeps the
// input order.
type Order []Key

// Parse reads an order option: a list of [expression, type, descending]
// lists where type and descending are optional.
func Parse(raw any) (Order, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array of arrays")
	}
	order := make(Order, 0, len(list))
	for i, item := range list {
		parts, ok := item.([]any)
		if !ok || len(parts) == 0 || len(parts) > 3 {
			return nil, fmt.Errorf("element %d must be an array of 1 to 3 elements", i)
		}
		expr, ok := parts[0].(string)
		if !ok {
			return nil, fmt.Errorf("element %d: expression must be a string", i)
		}
		key := Key{Expr: expr, Type: TypeString}
		if len(parts) > 1 && parts[1] != nil {
			typ, ok := parts[1].(string)
			if !ok || !validType(typ) {
				return nil, fmt.Errorf("element %d: type must be one of string, string_ci, number, time", i)
			}
			key.Type = typ
		}
		if len(parts) > 2 {
			desc, err := boolify(parts[2])
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			key.Desc = desc
		}
		order = append(order, key)
	}
	return order, nil
}

// MustParse is Parse for literal defaults.
func MustParse(raw any) Order {
	o, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return o
}

func validType(t string) bool {
	switch t {
	case TypeString, TypeStringCI, TypeNumber, TypeTime:
		return true
	}
	return false
}

func boolify(v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true, nil
		case "false", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("descending flag must be a boolean")
}

// Key returns the canonical form of o. Two orders with the same Key sort
// identically; the window cache stores it to detect option changes.
func (o Order) Key() string {
	if o == nil {
		return "null"
	}
	raw := make([][]any, len(o))
	for i, k := range o {
		raw[i] = []any{k.Expr, k.Type, k.Desc}
	}
	data, _ := json.Marshal(raw)
	return string(data)
}

// EventContext is the interpolation context of one event: its payload plus
// id, created_at and published_at unless the payload defines them.
func EventContext(e eventbus.Event) liquid.Context {
	ctx := make(liquid.Context, len(e.Payload)+3)
	for k, v := range e.Payload {
		ctx[k] = v
	}
	if _, ok := ctx["id"]; !ok {
		ctx["id"] = e.ID
	}
	if _, ok := ctx["created_at"]; !ok {
		ctx["created_at"] = e.CreatedAt.Format(time.RFC3339)
	}
	if _, ok := ctx["published_at"]; !ok && e.PublishedAt != nil {
		ctx["published_at"] = e.PublishedAt.Format(time.RFC3339)
	}
	return ctx
}

// Sort returns events sorted by o without modifying the input. The sort
// is stable and values that cannot be computed sort before all others.
// Zone-less times are read in loc.
func Sort(events []eventbus.Event, o Order, loc *time.Location) []eventbus.Event {
	out := slices.Clone(events)
	if len(o) == 0 || len(out) < 2 {
		return out
	}
	if loc == nil {
		loc = time.UTC
	}

	type sortable struct {
		event eventbus.Event
		keys  []any
	}
	rows := make([]sortable, len(out))
	for i, e := range out {
		ctx := EventContext(e)
		ctx[IndexVariable] = i + 1
		keys := make([]any, len(o))
		for j, k := range o {
			keys[j] = parseValue(liquid.Render(k.Expr, ctx), k.Type, loc)
		}
		rows[i] = sortable{event: e, keys: keys}
	}

	slices.SortStableFunc(rows, func(a, b sortable) int {
		for j, k := range o {
			c := compare(a.keys[j], b.keys[j])
			if k.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})

	for i, row := range rows {
		out[i] = row.event
	}
	return out
}

func parseValue(s, typ string, loc *time.Location) any {
	switch typ {
	case TypeStringCI:
		return strings.ToLower(s)
	case TypeNumber:
		return leadingFloat(s)
	case TypeTime:
		if strings.TrimSpace(s) == "" {
			return nil
		}
		t, err := dateparse.ParseIn(strings.TrimSpace(s), loc)
		if err != nil {
			return nil
		}
		return t
	default:
		return s
	}
}

// leadingFloat reads the longest numeric prefix of s, 0 when there is none.
func leadingFloat(s string) float64 {
	s = strings.TrimSpace(s)
	n := strings.IndexFunc(s, func(r rune) bool {
		return !strings.ContainsRune("0123456789+-.eE", r)
	})
	if n >= 0 {
		s = s[:n]
	}
	for end := len(s); end > 0; end-- {
		if f, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return f
		}
	}
	return 0
}

func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case string:
		return strings.Compare(x, b.(string))
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case time.Time:
		return x.Compare(b.(time.Time))
	}
	return 0
}
