// Package feedtree turns item templates into a canonical node tree and
// renders that tree as an XML fragment or as a JSON value.
package feedtree

import (
	"errors"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MaxDepth bounds template nesting.
const MaxDepth = 64

// ErrTooDeep is returned for templates nested deeper than MaxDepth.
var ErrTooDeep = errors.New("template nested too deeply")

// Node is one of Scalar, *Attributed, Sequence or *Mapping.
type Node interface {
	node()
}

// Scalar is a terminal value: string, number, bool or nil.
type Scalar struct {
	Value any
}

// Attributed is a tag carrying attributes and optional contents. Attribute
// values are terminal and kept exactly as given.
type Attributed struct {
	Tag      string
	Attrs    *orderedmap.OrderedMap[string, any]
	Contents Node
}

// Sequence is a list of sibling nodes sharing one tag.
type Sequence struct {
	Items []Node
}

// Mapping keeps its children in insertion order.
type Mapping struct {
	Children *orderedmap.OrderedMap[string, Node]
}

func (Scalar) node()      {}
func (*Attributed) node() {}
func (Sequence) node()    {}
func (*Mapping) node()    {}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{Children: orderedmap.New[string, Node]()}
}

// Set appends or replaces a child, returning m for chaining.
func (m *Mapping) Set(key string, n Node) *Mapping {
	m.Children.Set(key, n)
	return m
}

func (m *Mapping) Get(key string) (Node, bool) {
	return m.Children.Get(key)
}

func (m *Mapping) Len() int {
	if m == nil || m.Children == nil {
		return 0
	}
	return m.Children.Len()
}

// isEmpty reports whether n carries nothing worth emitting: nil, an empty
// string, an empty mapping or sequence.
func isEmpty(n Node) bool {
	switch t := n.(type) {
	case nil:
		return true
	case Scalar:
		if t.Value == nil {
			return true
		}
		s, ok := t.Value.(string)
		return ok && s == ""
	case *Mapping:
		return t.Len() == 0
	case Sequence:
		return len(t.Items) == 0
	case *Attributed:
		return (t.Attrs == nil || t.Attrs.Len() == 0) && isEmpty(t.Contents)
	}
	return false
}
