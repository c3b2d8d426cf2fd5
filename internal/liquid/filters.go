package liquid

import (
	"encoding/json"
	"html"
	"net/url"
	"regexp"

	engine "github.com/osteele/liquid"
)

func newEngine() *engine.Engine {
	e := engine.NewEngine()
	e.RegisterFilter("uri_escape", url.QueryEscape)
	e.RegisterFilter("unescape", html.UnescapeString)
	e.RegisterFilter("json", toJSON)
	e.RegisterFilter("regex_replace", regexReplace)
	return e
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// regexReplace leaves s untouched when pattern does not compile.
func regexReplace(s, pattern, replacement string) string {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return s
	}
	return re.ReplaceAllString(s, replacement)
}
