package feedtree

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// XMLRenderer serializes canonical nodes as indented XML fragments.
type XMLRenderer struct {
	// Indent is repeated once per nesting level.
	Indent string
	// Depth is the nesting level of the fragment's top elements, for
	// fragments spliced into a larger document.
	Depth int
}

// RenderXML renders n as elements named tag with one-space indentation.
// A top-level sequence yields sibling <tag> elements with no enclosing root.
func RenderXML(n Node, tag string) string {
	return XMLRenderer{Indent: " "}.Render(n, tag)
}

func (r XMLRenderer) Render(n Node, tag string) string {
	elements := build(tag, n)
	elements = collapse(elements)
	elements = prune(elements)

	var b strings.Builder
	for _, el := range elements {
		r.write(&b, el, r.Depth)
	}
	return b.String()
}

type xmlAttr struct {
	name  string
	value string
}

type element struct {
	name     string
	attrs    []xmlAttr
	text     string
	children []*element
	// wrapper marks the element standing for a whole sequence; collapse
	// replaces it with its items.
	wrapper bool
}

func build(tag string, n Node) []*element {
	switch t := n.(type) {
	case nil:
		return []*element{{name: tag}}
	case Scalar:
		return []*element{{name: tag, text: formatScalar(t.Value)}}
	case *Mapping:
		el := &element{name: tag}
		el.children = buildChildren(t)
		return []*element{el}
	case Sequence:
		el := &element{name: tag, wrapper: true}
		for _, item := range t.Items {
			el.children = append(el.children, build(tag, item)...)
		}
		return []*element{el}
	case *Attributed:
		el := &element{name: tag}
		if t.Attrs != nil {
			for pair := t.Attrs.Oldest(); pair != nil; pair = pair.Next() {
				el.attrs = append(el.attrs, xmlAttr{name: pair.Key, value: formatScalar(pair.Value)})
			}
		}
		switch c := t.Contents.(type) {
		case nil:
		case Scalar:
			el.text = formatScalar(c.Value)
		case *Mapping:
			el.children = buildChildren(c)
		default:
			el.children = build(tag, c)
		}
		return []*element{el}
	}
	return nil
}

func buildChildren(m *Mapping) []*element {
	if m.Len() == 0 {
		return nil
	}
	var out []*element
	for pair := m.Children.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, build(pair.Key, pair.Value)...)
	}
	return out
}

// collapse removes exactly one level of sequence wrapper: the wrapper's
// items become siblings named after it. An item that is itself a sequence
// keeps its wrapper as a real element.
func collapse(elements []*element) []*element {
	out := make([]*element, 0, len(elements))
	for _, el := range elements {
		if el.wrapper && allNamed(el.children, el.name) {
			for _, item := range el.children {
				item.wrapper = false
				item.children = collapse(item.children)
				out = append(out, item)
			}
			continue
		}
		el.wrapper = false
		el.children = collapse(el.children)
		out = append(out, el)
	}
	return out
}

func allNamed(elements []*element, name string) bool {
	for _, el := range elements {
		if el.name != name {
			return false
		}
	}
	return true
}

// prune drops elements with no attributes, no text and no surviving
// children, bottom-up.
func prune(elements []*element) []*element {
	out := elements[:0]
	for _, el := range elements {
		el.children = prune(el.children)
		if len(el.attrs) == 0 && el.text == "" && len(el.children) == 0 {
			continue
		}
		out = append(out, el)
	}
	return out
}

func (r XMLRenderer) write(b *strings.Builder, el *element, depth int) {
	indent := strings.Repeat(r.Indent, depth)
	b.WriteString(indent)
	b.WriteByte('<')
	b.WriteString(el.name)
	for _, a := range el.attrs {
		b.WriteByte(' ')
		b.WriteString(a.name)
		b.WriteString(`="`)
		b.WriteString(EscapeXML(a.value))
		b.WriteByte('"')
	}
	if el.text == "" && len(el.children) == 0 {
		b.WriteString("/>\n")
		return
	}
	b.WriteByte('>')
	b.WriteString(EscapeXML(el.text))
	if len(el.children) > 0 {
		b.WriteByte('\n')
		for _, child := range el.children {
			r.write(b, child, depth+1)
		}
		b.WriteString(indent)
	}
	b.WriteString("</")
	b.WriteString(el.name)
	b.WriteString(">\n")
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// EscapeXML escapes text content and attribute values.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

func formatScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.RFC1123Z)
	default:
		return fmt.Sprint(t)
	}
}
