package workflow

import (
	"path"
	"sort"

	"github.com/google/uuid"
)

// Node types whose outputs land on disk under a caller-chosen name.
var (
	imageOutputTypes = map[string]bool{
		"SaveImage":   true,
		"SaveImageS3": true,
	}
	textOutputTypes = map[string]bool{
		"SaveText|pysssss": true,
	}
)

// ClassifiedStep is one of ImageOutputStep, TextOutputStep or OtherStep.
type ClassifiedStep interface {
	NodeID() string
	isClassified()
}

// ImageOutputStep writes images named after its filename_prefix input.
type ImageOutputStep struct {
	ID   string
	Step *Step
}

// TextOutputStep writes a text file named by its file input.
type TextOutputStep struct {
	ID   string
	Step *Step
}

type OtherStep struct {
	ID   string
	Step *Step
}

func (s ImageOutputStep) NodeID() string { return s.ID }
func (s TextOutputStep) NodeID() string  { return s.ID }
func (s OtherStep) NodeID() string       { return s.ID }

func (ImageOutputStep) isClassified() {}
func (TextOutputStep) isClassified()  {}
func (OtherStep) isClassified()       {}

// Classify maps a raw step to its capability.
func Classify(id string, s *Step) ClassifiedStep {
	switch {
	case s == nil:
		return OtherStep{ID: id, Step: s}
	case imageOutputTypes[s.ClassType]:
		return ImageOutputStep{ID: id, Step: s}
	case textOutputTypes[s.ClassType]:
		return TextOutputStep{ID: id, Step: s}
	default:
		return OtherStep{ID: id, Step: s}
	}
}

// ClassifyAll classifies every step, ordered by node id.
func ClassifyAll(p Payload) []ClassifiedStep {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ClassifiedStep, 0, len(ids))
	for _, id := range ids {
		out = append(out, Classify(id, p[id]))
	}
	return out
}

// AssignUniqueNames gives every output step a fresh random name so that
// concurrent jobs never share output files. Only plain string values are
// replaced; inputs wired to other nodes are left alone. It returns the
// names assigned, by node id.
func AssignUniqueNames(p Payload, newID func() string) map[string]string {
	if newID == nil {
		newID = uuid.NewString
	}

	assigned := make(map[string]string)
	for _, cs := range ClassifyAll(p) {
		switch s := cs.(type) {
		case ImageOutputStep:
			if _, ok := s.Step.StringInput("filename_prefix"); !ok {
				continue
			}
			name := newID()
			_ = s.Step.SetInput("filename_prefix", name)
			assigned[s.ID] = name

		case TextOutputStep:
			current, ok := s.Step.StringInput("file")
			if !ok {
				continue
			}
			name := newID() + path.Ext(current)
			_ = s.Step.SetInput("file", name)
			assigned[s.ID] = name

		case OtherStep:
		}
	}
	return assigned
}
