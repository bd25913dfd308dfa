package invocation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/workflow"
)

// Event is one unit of work: the caller's job id and its raw input.
type Event struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// Input is a validated invocation input.
type Input struct {
	Workflow string
	// Callback is passed back untouched; nil when absent.
	Callback json.RawMessage
	Payload  json.RawMessage
}

var knownFields = map[string]bool{"workflow": true, "callback": true, "payload": true}

// AllowedWorkflows lists the accepted workflow names.
func AllowedWorkflows() []string {
	return append([]string{workflow.CustomWorkflow}, workflow.TemplateNames()...)
}

// ParseInput validates raw against the invocation schema. All problems
// are reported together, one per line. known accepts workflow names
// beyond AllowedWorkflows, such as stored templates; nil accepts none.
func ParseInput(raw json.RawMessage, known func(name string) bool) (Input, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Input{}, errors.Validation("input should be object type")
	}

	var problems []string
	in := Input{Workflow: workflow.CustomWorkflow}

	unknown := make([]string, 0)
	for k := range fields {
		if !knownFields[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		problems = append(problems, fmt.Sprintf("Unexpected input. %s is not a valid input option.", k))
	}

	if v, ok := fields["workflow"]; ok && !isNull(v) {
		var name string
		if err := json.Unmarshal(v, &name); err != nil {
			problems = append(problems, fmt.Sprintf("workflow should be string type, not %s.", jsonType(v)))
		} else if !contains(AllowedWorkflows(), name) && (known == nil || !known(name)) {
			problems = append(problems, "workflow does not meet the constraints.")
		} else {
			in.Workflow = name
		}
	}

	if v, ok := fields["callback"]; ok && !isNull(v) {
		if jsonType(v) != "object" {
			problems = append(problems, fmt.Sprintf("callback should be object type, not %s.", jsonType(v)))
		} else {
			in.Callback = v
		}
	}

	v, ok := fields["payload"]
	switch {
	case !ok || isNull(v):
		problems = append(problems, "payload is a required input.")
	case jsonType(v) != "object":
		problems = append(problems, fmt.Sprintf("payload should be object type, not %s.", jsonType(v)))
	default:
		in.Payload = v
	}

	if len(problems) > 0 {
		return Input{}, errors.Validation(strings.Join(problems, "\n")).WithField("problems", problems)
	}
	return in, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func jsonType(raw json.RawMessage) string {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return "empty"
	}
	switch t[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
