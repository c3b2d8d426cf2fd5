package feed

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrBurberry/huginn/internal/eventorder"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions(`{"secrets":["s"],"template":{"item":{"title":"{{title}}"}}}`)
	require.NoError(t, err)

	assert.Equal(t, []string{"s"}, opts.Secrets)
	assert.Equal(t, DefaultEventsToShow, opts.EventsToShow)
	assert.Equal(t, DefaultTTL, opts.TTL)
	assert.Equal(t, DefaultReceivePeriod, opts.ExpectedReceivePeriodDays)
	assert.Equal(t, DefaultRSSContentType, opts.RSSContentType)
	assert.Nil(t, opts.EventsOrder)
	assert.Equal(t, DefaultListOrder, opts.EventsListOrder)
	assert.False(t, opts.NSDC || opts.NSMedia || opts.NSITunes)
	require.NotNil(t, opts.ItemTemplate())
	assert.True(t, opts.Authorized("s"))
	assert.False(t, opts.Authorized(""))
}

func TestParseOptionsValues(t *testing.T) {
	opts, err := ParseOptions(`{
	  "secrets": ["a", "b"],
	  "events_to_show": "10",
	  "ttl": 30,
	  "ns_media": "true",
	  "ns_dc": true,
	  "ns_itunes": "no",
	  "rss_content_type": "text/xml",
	  "response_headers": {"X-B": "2", "X-A": "1"},
	  "push_hubs": ["http://hub/", " "],
	  "events_order": [["{{date}}", "time"]],
	  "events_list_order": [["{{title}}"]],
	  "template": {"item": {}}
	}`)
	require.NoError(t, err)

	assert.Equal(t, 10, opts.EventsToShow)
	assert.Equal(t, 30, opts.TTL)
	assert.True(t, opts.NSMedia)
	assert.True(t, opts.NSDC)
	assert.False(t, opts.NSITunes)
	assert.Equal(t, "text/xml", opts.RSSContentType)
	assert.Equal(t, [][2]string{{"X-B", "2"}, {"X-A", "1"}}, opts.ResponseHeaders)
	assert.Equal(t, []string{"http://hub/"}, opts.PushHubs)
	assert.Equal(t, eventorder.Order{{Expr: "{{date}}", Type: eventorder.TypeTime}}, opts.EventsOrder)
	assert.Equal(t, eventorder.Order{{Expr: "{{title}}", Type: eventorder.TypeString}}, opts.EventsListOrder)
}

func TestParseOptionsKeepsOrderExpressions(t *testing.T) {
	opts, err := ParseOptions(`{
	  "secrets": ["s"],
	  "events_order": [["{{n}}", "number", true]],
	  "events_list_order": [["{{_index_}}", "number", true]],
	  "template": {"item": {"title": "{{title}}"}}
	}`)
	require.NoError(t, err)
	assert.Equal(t, eventorder.Order{{Expr: "{{n}}", Type: eventorder.TypeNumber, Desc: true}}, opts.EventsOrder)
	assert.Equal(t, DefaultListOrder, opts.EventsListOrder)
}

func TestParseOptionsNonPositiveWindow(t *testing.T) {
	for _, v := range []string{`0`, `-3`, `""`, `"abc"`} {
		opts, err := ParseOptions(`{"secrets":["s"],"events_to_show":` + v + `,"template":{"item":{}}}`)
		require.NoError(t, err)
		assert.Equal(t, DefaultEventsToShow, opts.EventsToShow, v)
	}
}

func TestParseOptionsRejectsGarbage(t *testing.T) {
	_, err := ParseOptions(`[]`)
	assert.Error(t, err)
	_, err = ParseOptions(`{"events_order": "newest"}`)
	assert.Error(t, err)
}

func TestValidateOptions(t *testing.T) {
	valid := `{
	  "secrets": ["a-secret"],
	  "expected_receive_period_in_days": 2,
	  "template": {"title": "t", "item": {"title": "{{title}}"}},
	  "push_hubs": ["https://hub.example/", "{{ hub_url }}"],
	  "events_order": [["{{n}}", "number", true]]
	}`
	require.NoError(t, ValidateOptions(valid))

	cases := []struct{ doc, want string }{
		{`{"expected_receive_period_in_days": 2, "template": {"item": {"a": 1}}}`, "one or more secrets"},
		{`{"secrets": [], "expected_receive_period_in_days": 2, "template": {"item": {"a": 1}}}`, "one or more secrets"},
		{`{"secrets": ["a.b"], "expected_receive_period_in_days": 2, "template": {"item": {"a": 1}}}`, "slash or dot"},
		{`{"secrets": ["a/b"], "expected_receive_period_in_days": 2, "template": {"item": {"a": 1}}}`, "slash or dot"},
		{`{"secrets": ["s"], "template": {"item": {"a": 1}}}`, "expected_receive_period_in_days"},
		{`{"secrets": ["s"], "expected_receive_period_in_days": "0", "template": {"item": {"a": 1}}}`, "expected_receive_period_in_days"},
		{`{"secrets": ["s"], "expected_receive_period_in_days": 2}`, "template"},
		{`{"secrets": ["s"], "expected_receive_period_in_days": 2, "template": {"item": {}}}`, "item"},
		{`{"secrets": ["s"], "expected_receive_period_in_days": 2, "template": {"item": {"a": 1}}, "push_hubs": "x"}`, "push_hubs must be an array"},
		{`{"secrets": ["s"], "expected_receive_period_in_days": 2, "template": {"item": {"a": 1}}, "push_hubs": ["not a url"]}`, "invalid URL found in push_hubs"},
		{`{"secrets": ["s"], "expected_receive_period_in_days": 2, "template": {"item": {"a": 1}}, "events_order": [["x", "float"]]}`, "events_order"},
		{`not json`, "valid JSON"},
	}
	for _, c := range cases {
		err := ValidateOptions(c.doc)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), c.doc)
		assert.Contains(t, strings.Join(verr.Problems, "\n"), c.want, c.doc)
	}
}

func TestIntOption(t *testing.T) {
	assert.Equal(t, 7, intOption(nil, 7))
	assert.Equal(t, 7, intOption("  ", 7))
	assert.Equal(t, 12, intOption("12 days", 7))
	assert.Equal(t, 0, intOption("days", 7))
	assert.Equal(t, 3, intOption(float64(3.9), 7))
	assert.Equal(t, -1, intOption("-1", 7))
}
