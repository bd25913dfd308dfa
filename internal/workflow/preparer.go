package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"comfyworker/internal/pkg/errors"
)

// CustomWorkflow means the caller sent the full graph.
const CustomWorkflow = "custom"

// TemplateSource loads named workflow templates.
type TemplateSource interface {
	Template(ctx context.Context, name string) (Payload, error)
}

type slot struct {
	node  string
	input string
	param string
}

// templateSlots lists, per template, where caller parameters go.
var templateSlots = map[string][]slot{
	"txt2img": {
		{"3", "seed", "seed"},
		{"3", "steps", "steps"},
		{"3", "cfg", "cfg_scale"},
		{"3", "sampler_name", "sampler_name"},
		{"4", "ckpt_name", "ckpt_name"},
		{"5", "batch_size", "batch_size"},
		{"5", "width", "width"},
		{"5", "height", "height"},
		{"6", "text", "prompt"},
		{"7", "text", "negative_prompt"},
	},
}

// TemplateNames returns the templates that accept parameters, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(templateSlots))
	for n := range templateSlots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Preparer turns an invocation payload into the graph sent to the engine.
type Preparer struct {
	templates TemplateSource
	inputs    *InputStager
	newID     func() string
}

func NewPreparer(templates TemplateSource) *Preparer {
	return &Preparer{templates: templates, newID: uuid.NewString}
}

// WithInputs makes Prepare stage remote input images through s.
func (p *Preparer) WithInputs(s *InputStager) *Preparer {
	p.inputs = s
	return p
}

// Prepare expands the named template with params (or parses params as the
// graph for the custom workflow), then renames every output. It must run
// exactly once per submission.
func (p *Preparer) Prepare(ctx context.Context, workflowName string, params json.RawMessage) (Payload, error) {
	var payload Payload
	var err error

	if workflowName == "" || workflowName == CustomWorkflow {
		payload, err = ParsePayload(params)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeValidation, "workflow.prepare", "invalid payload")
		}
	} else {
		payload, err = p.expand(ctx, workflowName, params)
		if err != nil {
			return nil, err
		}
	}

	AssignUniqueNames(payload, p.newID)
	if p.inputs != nil {
		if err := p.inputs.Stage(ctx, payload); err != nil {
			return nil, errors.Wrap(err, "workflow.prepare", "failed to stage input images")
		}
	}
	return payload, nil
}

// HasWorkflow reports whether name can be prepared: the custom workflow,
// a template with parameter slots, or a template one of the sources holds.
func (p *Preparer) HasWorkflow(ctx context.Context, name string) bool {
	if name == CustomWorkflow {
		return true
	}
	if _, ok := templateSlots[name]; ok {
		return true
	}
	if p.templates == nil {
		return false
	}
	_, err := p.templates.Template(ctx, name)
	return err == nil
}

func (p *Preparer) expand(ctx context.Context, name string, params json.RawMessage) (Payload, error) {
	if p.templates == nil {
		return nil, errors.Configf("no template source configured for workflow %s", name)
	}
	tpl, err := p.templates.Template(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "workflow.prepare", "unable to load workflow payload for: "+name)
	}
	payload := tpl.Clone()

	slots, ok := templateSlots[name]
	if !ok {
		return payload, nil
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(params, &values); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "workflow.prepare", "template parameters must be an object")
	}

	var missing []string
	for _, s := range slots {
		step := payload[s.node]
		if step == nil {
			return nil, errors.Configf("template %s has no node %s for %s", name, s.node, s.input).
				WithField("template", name)
		}
		v, ok := values[s.param]
		if !ok {
			missing = append(missing, s.param)
			continue
		}
		if step.Inputs == nil {
			step.Inputs = make(map[string]json.RawMessage)
		}
		step.Inputs[s.input] = v
	}
	if len(missing) > 0 {
		msgs := make([]string, len(missing))
		for i, m := range missing {
			msgs[i] = fmt.Sprintf("%s is a required parameter", m)
		}
		return nil, errors.Validation(strings.Join(msgs, "\n")).WithField("missing", missing)
	}
	return payload, nil
}

// FileTemplates reads templates from "<dir>/<name>.json".
type FileTemplates struct {
	Dir string
}

func (f FileTemplates) Template(_ context.Context, name string) (Payload, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, errors.Validation("invalid template name: " + name)
	}

	data, err := os.ReadFile(filepath.Join(f.Dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.CodeConfig, "workflow.template", "template not found: "+name)
		}
		return nil, errors.WrapWithCode(err, errors.CodeConfig, "workflow.template", "failed to read template "+name)
	}

	p, err := ParsePayload(data)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeConfig, "workflow.template", "invalid template "+name)
	}
	return p, nil
}

// Sources tries each source in order. A source that does not have the
// template (a CodeConfig error) passes to the next; any other failure is
// returned as is.
type Sources []TemplateSource

func (s Sources) Template(ctx context.Context, name string) (Payload, error) {
	var last error
	for _, src := range s {
		if src == nil {
			continue
		}
		p, err := src.Template(ctx, name)
		if err == nil {
			return p, nil
		}
		if !errors.IsCode(err, errors.CodeConfig) {
			return nil, err
		}
		last = err
	}
	if last == nil {
		last = errors.Configf("no template source has %s", name)
	}
	return nil, last
}
