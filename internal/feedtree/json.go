package feedtree

// RenderJSON converts n into a JSON-encodable value. Mappings become
// *Object so key order survives encoding.
//
// An attributed node becomes one object: the children of mapping contents
// (or {"contents": v} for any other non-empty contents) with the attributes
// layered on top.
func RenderJSON(n Node) any {
	switch t := n.(type) {
	case nil:
		return nil
	case Scalar:
		return t.Value
	case *Mapping:
		obj := NewObject()
		if t.Len() == 0 {
			return obj
		}
		for pair := t.Children.Oldest(); pair != nil; pair = pair.Next() {
			obj.Set(pair.Key, RenderJSON(pair.Value))
		}
		return obj
	case Sequence:
		out := make([]any, 0, len(t.Items))
		for _, item := range t.Items {
			out = append(out, RenderJSON(item))
		}
		return out
	case *Attributed:
		obj := NewObject()
		switch c := t.Contents.(type) {
		case *Mapping:
			if c.Len() > 0 {
				for pair := c.Children.Oldest(); pair != nil; pair = pair.Next() {
					obj.Set(pair.Key, RenderJSON(pair.Value))
				}
			}
		default:
			if !isEmpty(c) {
				obj.Set("contents", RenderJSON(c))
			}
		}
		if t.Attrs != nil {
			for pair := t.Attrs.Oldest(); pair != nil; pair = pair.Next() {
				obj.Set(pair.Key, pair.Value)
			}
		}
		return obj
	}
	return nil
}
