package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrBurberry/huginn/internal/eventorder"
	"github.com/MrBurberry/huginn/internal/feedtree"
	"github.com/MrBurberry/huginn/internal/liquid"
)

const (
	DefaultEventsToShow   = 40
	DefaultTTL            = 60
	DefaultRSSContentType = "application/rss+xml"
	DefaultReceivePeriod  = 2
)

// DefaultListOrder lists the newest window entry first.
var DefaultListOrder = eventorder.MustParse([]any{[]any{"{{_index_}}", "number", true}})

// Options are the parsed settings of a data output agent. Scalar settings
// are already interpolated; Template is kept raw because its values are
// interpolated per request and per event.
type Options struct {
	Secrets                   []string
	ExpectedReceivePeriodDays int
	EventsToShow              int
	TTL                       int
	Template                  *feedtree.Object
	EventsOrder               eventorder.Order
	EventsListOrder           eventorder.Order
	NSDC                      bool
	NSMedia                   bool
	NSITunes                  bool
	RSSContentType            string
	ResponseHeaders           [][2]string
	PushHubs                  []string
}

// ParseOptions decodes an option document. It is lenient: problems that
// ValidateOptions reports at save time fall back to defaults here.
func ParseOptions(raw string) (*Options, error) {
	decoded, err := feedtree.DecodeOrdered([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	doc, ok := decoded.(*feedtree.Object)
	if !ok {
		return nil, fmt.Errorf("options must be a JSON object")
	}

	// The template and the ordering expressions are interpolated per event;
	// everything else is interpolated once without event context.
	get := func(key string) any {
		v, _ := doc.Get(key)
		switch key {
		case "template", "events_order", "events_list_order":
			return v
		}
		return liquid.RenderTree(v, liquid.Context{})
	}

	opts := &Options{
		ExpectedReceivePeriodDays: intOption(get("expected_receive_period_in_days"), DefaultReceivePeriod),
		EventsToShow:              intOption(get("events_to_show"), DefaultEventsToShow),
		TTL:                       intOption(get("ttl"), DefaultTTL),
		NSDC:                      boolify(get("ns_dc")),
		NSMedia:                   boolify(get("ns_media")),
		NSITunes:                  boolify(get("ns_itunes")),
		RSSContentType:            stringOption(get("rss_content_type"), DefaultRSSContentType),
		EventsListOrder:           DefaultListOrder,
	}
	if opts.EventsToShow <= 0 {
		opts.EventsToShow = DefaultEventsToShow
	}

	if list, ok := get("secrets").([]any); ok {
		for _, s := range list {
			if str, ok := s.(string); ok {
				opts.Secrets = append(opts.Secrets, str)
			}
		}
	}
	if list, ok := get("push_hubs").([]any); ok {
		for _, h := range list {
			if str, ok := h.(string); ok && strings.TrimSpace(str) != "" {
				opts.PushHubs = append(opts.PushHubs, strings.TrimSpace(str))
			}
		}
	}
	if headers, ok := get("response_headers").(*feedtree.Object); ok {
		for pair := headers.Oldest(); pair != nil; pair = pair.Next() {
			opts.ResponseHeaders = append(opts.ResponseHeaders, [2]string{pair.Key, liquid.ToString(pair.Value)})
		}
	}
	if tmpl, ok := get("template").(*feedtree.Object); ok {
		opts.Template = tmpl
	} else {
		opts.Template = feedtree.NewObject()
	}

	if v := get("events_order"); v != nil {
		if opts.EventsOrder, err = eventorder.Parse(v); err != nil {
			return nil, fmt.Errorf("events_order: %w", err)
		}
	}
	if v := get("events_list_order"); v != nil {
		if opts.EventsListOrder, err = eventorder.Parse(v); err != nil {
			return nil, fmt.Errorf("events_list_order: %w", err)
		}
	}
	return opts, nil
}

// Authorized reports whether secret is one of the configured secrets.
func (o *Options) Authorized(secret string) bool {
	for _, s := range o.Secrets {
		if s == secret {
			return true
		}
	}
	return false
}

// ItemTemplate returns template.item, or nil when absent.
func (o *Options) ItemTemplate() *feedtree.Object {
	item, _ := o.Template.Get("item")
	obj, _ := item.(*feedtree.Object)
	return obj
}

// templateString interpolates template[key] with ctx.
func (o *Options) templateString(key string, ctx liquid.Context) string {
	v, ok := o.Template.Get(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(liquid.ToString(liquid.RenderTree(v, ctx)))
}

func boolify(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	}
	return false
}

func stringOption(v any, fallback string) string {
	s := strings.TrimSpace(liquid.ToString(v))
	if s == "" {
		return fallback
	}
	return s
}

// intOption reads a number or numeric string. Blank values take fallback;
// non-numeric text reads as 0.
func intOption(v any, fallback int) int {
	switch t := v.(type) {
	case nil:
		return fallback
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return int(f)
		}
		return 0
	case float64:
		return int(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return fallback
		}
		end := 0
		for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
			end++
		}
		n, err := strconv.Atoi(s[:end])
		if err != nil {
			return 0
		}
		return n
	}
	return fallback
}
