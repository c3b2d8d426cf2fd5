package feedtree

import (
	"maps"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Reserved keys marking an attributed node. The underscore form is the one
// documented for agent options; the bare form is accepted as well.
var (
	attributeKeys = []string{"_attributes", "attributes"}
	contentKeys   = []string{"_contents", "contents"}
)

// Normalize converts a rendered template value into its canonical node.
// Mappings may be *Object or map[string]any (the latter is visited in key
// order since it has no insertion order).
func Normalize(v any) (Node, error) {
	return normalize("", v, 0)
}

func normalize(tag string, v any, depth int) (Node, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	switch t := v.(type) {
	case *orderedmap.OrderedMap[string, any]:
		if t == nil {
			return Scalar{}, nil
		}
		if isAttributed(t.Get) {
			return normalizeAttributed(tag, t.Get, depth)
		}
		m := NewMapping()
		for pair := t.Oldest(); pair != nil; pair = pair.Next() {
			child, err := normalize(pair.Key, pair.Value, depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(pair.Key, child)
		}
		return m, nil
	case map[string]any:
		get := func(k string) (any, bool) { val, ok := t[k]; return val, ok }
		if isAttributed(get) {
			return normalizeAttributed(tag, get, depth)
		}
		m := NewMapping()
		for _, k := range slices.Sorted(maps.Keys(t)) {
			child, err := normalize(k, t[k], depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(k, child)
		}
		return m, nil
	case []any:
		seq := Sequence{Items: make([]Node, 0, len(t))}
		for _, item := range t {
			child, err := normalize(tag, item, depth+1)
			if err != nil {
				return nil, err
			}
			seq.Items = append(seq.Items, child)
		}
		return seq, nil
	case []map[string]any:
		items := make([]any, len(t))
		for i, m := range t {
			items[i] = m
		}
		return normalize(tag, items, depth)
	default:
		return Scalar{Value: v}, nil
	}
}

type getter func(string) (any, bool)

func isAttributed(get getter) bool {
	for _, keys := range [][]string{attributeKeys, contentKeys} {
		for _, k := range keys {
			if _, ok := get(k); ok {
				return true
			}
		}
	}
	return false
}

func firstOf(get getter, keys []string) any {
	for _, k := range keys {
		if v, ok := get(k); ok {
			return v
		}
	}
	return nil
}

func normalizeAttributed(tag string, get getter, depth int) (Node, error) {
	contents, err := normalize(tag, firstOf(get, contentKeys), depth+1)
	if err != nil {
		return nil, err
	}
	if s, ok := contents.(Scalar); ok && s.Value == nil {
		contents = nil
	}
	return &Attributed{
		Tag:      tag,
		Attrs:    attributeMap(firstOf(get, attributeKeys)),
		Contents: contents,
	}, nil
}

func attributeMap(v any) *orderedmap.OrderedMap[string, any] {
	out := orderedmap.New[string, any]()
	switch t := v.(type) {
	case *orderedmap.OrderedMap[string, any]:
		if t == nil {
			return out
		}
		for pair := t.Oldest(); pair != nil; pair = pair.Next() {
			out.Set(pair.Key, pair.Value)
		}
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(t)) {
			out.Set(k, t[k])
		}
	}
	return out
}
