package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/eventorder"
	"github.com/MrBurberry/huginn/internal/feedtree"
	"github.com/MrBurberry/huginn/internal/liquid"
	"github.com/MrBurberry/huginn/internal/state"
)

const (
	nsAtom   = `xmlns:atom="http://www.w3.org/2005/Atom"`
	nsDC     = `xmlns:dc="http://purl.org/dc/elements/1.1/"`
	nsMedia  = `xmlns:media="http://search.yahoo.com/mrss/"`
	nsITunes = `xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd"`

	// jsonTimeLayout matches the millisecond timestamps of JSON feeds.
	jsonTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// document is an assembled feed before serialization.
type document struct {
	title       string
	description string
	link        string
	icon        string
	self        string
	hubs        []string
	ttl         int
	builtAt     time.Time
	namespaces  []string
	itunesImage bool
	items       []feedtree.Node
}

type channelURLs struct {
	link string
	icon string
	self string
}

// channelURLs resolves link, icon and self of the channel, falling back to
// URLs on the configured domain.
func (s *Service) channelURLs(agent state.Agent, opts *Options, ctx liquid.Context, secret string) channelURLs {
	var u channelURLs
	u.link = opts.templateString("link", ctx)
	if u.link == "" {
		u.link = "https://" + s.domain
	}
	u.icon = opts.templateString("icon", ctx)
	if u.icon == "" {
		u.icon = u.link + "/favicon.ico"
	}
	u.self = opts.templateString("self", ctx)
	if u.self == "" {
		u.self = u.link + FeedPath(agent.UserID, agent.ID, secret, FormatXML)
	}
	return u
}

// FeedPath is the route serving a feed.
func FeedPath(userID, agentID, secret, format string) string {
	return fmt.Sprintf("/users/%s/web_requests/%s/%s.%s",
		url.PathEscape(userID), url.PathEscape(agentID), url.PathEscape(secret), format)
}

func (s *Service) assemble(ctx context.Context, agent state.Agent, opts *Options, windowEvents []eventbus.Event, secret string) document {
	listed := eventorder.Sort(windowEvents, opts.EventsListOrder, s.loc)

	eventsVar := make([]any, len(listed))
	for i, e := range listed {
		eventsVar[i] = map[string]any(eventorder.EventContext(e))
	}
	channelCtx := liquid.Context{"events": eventsVar}

	urls := s.channelURLs(agent, opts, channelCtx, secret)
	doc := document{
		title:       opts.templateString("title", channelCtx),
		description: opts.templateString("description", channelCtx),
		link:        urls.link,
		icon:        urls.icon,
		self:        urls.self,
		hubs:        opts.PushHubs,
		ttl:         opts.TTL,
		builtAt:     s.nowFn().In(s.loc),
		namespaces:  []string{nsAtom},
		itunesImage: opts.NSITunes,
	}
	if doc.title == "" {
		doc.title = agent.Name + " Event Feed"
	}
	if doc.description == "" {
		doc.description = fmt.Sprintf("A feed of Events received by the '%s' Agent", agent.Name)
	}
	if opts.NSDC {
		doc.namespaces = append(doc.namespaces, nsDC)
	}
	if opts.NSMedia {
		doc.namespaces = append(doc.namespaces, nsMedia)
	}
	if opts.NSITunes {
		doc.namespaces = append(doc.namespaces, nsITunes)
	}

	item := opts.ItemTemplate()
	for _, e := range listed {
		node, err := s.renderItem(ctx, agent.ID, item, channelCtx.Merge(eventorder.EventContext(e)), e)
		if err != nil {
			s.agentError(ctx, agent.ID, fmt.Sprintf("Error rendering event %d: %v", e.ID, err))
			continue
		}
		doc.items = append(doc.items, node)
	}
	return doc
}

// renderItem interpolates the item template for one event, then sets its
// guid and pubDate.
func (s *Service) renderItem(ctx context.Context, agentID string, tmpl *feedtree.Object, vars liquid.Context, e eventbus.Event) (feedtree.Node, error) {
	item := feedtree.NewObject()
	if tmpl != nil {
		if rendered, ok := liquid.RenderTree(tmpl, vars).(*feedtree.Object); ok {
			item = rendered
		}
	}

	var guid any = e.ID
	if v, ok := item.Get("guid"); ok && !blank(v) {
		guid = v
	}
	attrs := feedtree.NewObject()
	attrs.Set("isPermaLink", "false")
	guidNode := feedtree.NewObject()
	guidNode.Set("_attributes", attrs)
	guidNode.Set("_contents", guid)
	item.Set("guid", guidNode)

	published := e.CreatedAt
	raw, _ := item.Get("pubDate")
	if dateString := strings.TrimSpace(liquid.ToString(raw)); dateString != "" {
		t, err := dateparse.ParseIn(dateString, s.loc)
		if err != nil {
			s.agentError(ctx, agentID, fmt.Sprintf("Error parsing a \"pubDate\" value %q: %v", dateString, err))
		} else {
			published = t
		}
	}
	item.Set("pubDate", published.In(s.loc).Format(time.RFC1123Z))

	return feedtree.Normalize(item)
}

func blank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case *feedtree.Object:
		return t.Len() == 0
	case []any:
		return len(t) == 0
	}
	return false
}

// channelNode lays out the <channel> children. Hub links share the
// atom:link key with the self link so they render as sibling elements.
func (d document) channelNode() feedtree.Node {
	links := feedtree.Sequence{Items: []feedtree.Node{
		attributed("atom:link", "href", d.self, "rel", "self", "type", "application/rss+xml"),
	}}
	for _, hub := range d.hubs {
		links.Items = append(links.Items, attributed("atom:link", "rel", "hub", "href", hub))
	}

	ch := feedtree.NewMapping().
		Set("atom:link", links).
		Set("atom:icon", feedtree.Scalar{Value: d.icon})
	if d.itunesImage {
		ch.Set("itunes:image", attributed("itunes:image", "href", d.icon))
	}
	ch.Set("title", feedtree.Scalar{Value: d.title}).
		Set("description", feedtree.Scalar{Value: d.description}).
		Set("link", feedtree.Scalar{Value: d.link}).
		Set("lastBuildDate", feedtree.Scalar{Value: d.builtAt}).
		Set("pubDate", feedtree.Scalar{Value: d.builtAt}).
		Set("ttl", feedtree.Scalar{Value: d.ttl}).
		Set("item", feedtree.Sequence{Items: d.items})
	return ch
}

func attributed(tag string, kv ...string) *feedtree.Attributed {
	attrs := feedtree.NewObject()
	for i := 0; i+1 < len(kv); i += 2 {
		attrs.Set(kv[i], kv[i+1])
	}
	return &feedtree.Attributed{Tag: tag, Attrs: attrs}
}

func (d document) xmlResponse(contentType string) Response {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\" ?>\n")
	b.WriteString(`<rss version="2.0" ` + strings.Join(d.namespaces, " ") + ">\n")
	b.WriteString(feedtree.RenderXML(d.channelNode(), "channel"))
	b.WriteString("</rss>\n")
	return Response{Status: http.StatusOK, ContentType: contentType, Body: []byte(b.String())}
}

func (d document) jsonResponse() (Response, error) {
	items := make([]any, len(d.items))
	for i, item := range d.items {
		items[i] = feedtree.RenderJSON(item)
	}
	body := feedtree.NewObject()
	body.Set("title", d.title)
	body.Set("description", d.description)
	body.Set("pubDate", d.builtAt.Format(jsonTimeLayout))
	body.Set("items", items)

	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("encode json feed: %w", err)
	}
	return Response{Status: http.StatusOK, ContentType: "application/json", Body: data}, nil
}

func unauthorized(format string) Response {
	if format == FormatJSON {
		body, _ := json.Marshal(map[string]string{"error": "Not Authorized"})
		return Response{Status: http.StatusUnauthorized, ContentType: "application/json", Body: body}
	}
	return Response{Status: http.StatusUnauthorized, ContentType: "text/plain; charset=utf-8", Body: []byte("Not Authorized")}
}
