package feed

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrBurberry/huginn/internal/eventorder"
)

// ValidationError lists every problem found in an option document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid options: " + strings.Join(e.Problems, "; ")
}

const optionsSchema = `{
  "type": "object",
  "required": ["secrets", "template"],
  "properties": {
    "secrets": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "expected_receive_period_in_days": {"type": ["integer", "string"]},
    "events_to_show": {"type": ["integer", "string"]},
    "ttl": {"type": ["integer", "string"]},
    "template": {
      "type": "object",
      "required": ["item"],
      "properties": {
        "title": {"type": "string"},
        "description": {"type": "string"},
        "link": {"type": "string"},
        "icon": {"type": "string"},
        "self": {"type": "string"},
        "item": {"type": "object", "minProperties": 1}
      }
    },
    "events_order": {"type": ["array", "null"], "items": {"type": "array"}},
    "events_list_order": {"type": ["array", "null"], "items": {"type": "array"}},
    "ns_dc": {"type": ["boolean", "string"]},
    "ns_media": {"type": ["boolean", "string"]},
    "ns_itunes": {"type": ["boolean", "string"]},
    "rss_content_type": {"type": "string"},
    "response_headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "push_hubs": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

var optionsValidator struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func compiledOptionsSchema() (*jsonschema.Schema, error) {
	optionsValidator.once.Do(func() {
		optionsValidator.schema, optionsValidator.err = jsonschema.CompileString("data_output_options.json", optionsSchema)
	})
	return optionsValidator.schema, optionsValidator.err
}

// ValidateOptions checks an option document before it is saved. The
// returned error is a *ValidationError unless the schema itself is broken.
func ValidateOptions(raw string) error {
	schema, err := compiledOptionsSchema()
	if err != nil {
		return fmt.Errorf("compile options schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return &ValidationError{Problems: []string{"options must be valid JSON: " + err.Error()}}
	}

	var problems []string
	if err := schema.Validate(doc); err != nil {
		problems = append(problems, err.Error())
	}

	fields, _ := doc.(map[string]any)
	problems = append(problems, checkSecrets(fields["secrets"])...)
	problems = append(problems, checkReceivePeriod(fields["expected_receive_period_in_days"])...)
	problems = append(problems, checkPushHubs(fields["push_hubs"])...)
	for _, key := range []string{"events_order", "events_list_order"} {
		if v, ok := fields[key]; ok && v != nil {
			if _, err := eventorder.Parse(v); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func checkSecrets(v any) []string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return []string{"Please specify one or more secrets for 'authenticating' incoming feed requests"}
	}
	var problems []string
	for _, s := range list {
		str, ok := s.(string)
		switch {
		case !ok:
			problems = append(problems, "secret must be a string")
		case strings.ContainsAny(str, "/."):
			problems = append(problems, "secret may not contain a slash or dot")
		}
	}
	return problems
}

func checkReceivePeriod(v any) []string {
	if intOption(v, 0) <= 0 {
		return []string{"Please provide 'expected_receive_period_in_days' to indicate how many days can pass before this Agent is considered to be not working"}
	}
	return nil
}

func checkPushHubs(v any) []string {
	if v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return []string{"push_hubs must be an array"}
	}
	for _, h := range list {
		hub, ok := h.(string)
		if !ok {
			return []string{"push_hubs must be an array of endpoint URLs"}
		}
		if strings.Contains(hub, "{") {
			continue
		}
		if !validHubURL(hub) {
			return []string{"invalid URL found in push_hubs"}
		}
	}
	return nil
}

func validHubURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
