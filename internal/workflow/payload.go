// Package workflow models the job graph sent to the engine and prepares it
// for submission: template expansion and unique output names.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload maps node ids to steps. Edges between steps live inside the
// inputs as [nodeId, outputIndex] pairs; cycles are left to the engine.
type Payload map[string]*Step

// Step is one node of the graph. Input values are kept undecoded so that
// numbers and edges reach the engine exactly as the caller wrote them.
type Step struct {
	ClassType string                     `json:"class_type"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
	Meta      json.RawMessage            `json:"_meta,omitempty"`
}

// Edge references output Output of node NodeID.
type Edge struct {
	NodeID string
	Output int
}

// ParsePayload decodes a graph and checks that every step names its class.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid workflow payload: %w", err)
	}
	for id, s := range p {
		if s == nil {
			return nil, fmt.Errorf("node %s: missing step", id)
		}
		if s.ClassType == "" {
			return nil, fmt.Errorf("node %s: missing class_type", id)
		}
		if s.Inputs == nil {
			s.Inputs = make(map[string]json.RawMessage)
		}
	}
	return p, nil
}

// Clone returns a deep copy, so cached templates are never mutated.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for id, s := range p {
		if s == nil {
			out[id] = nil
			continue
		}
		c := &Step{ClassType: s.ClassType, Inputs: make(map[string]json.RawMessage, len(s.Inputs))}
		for k, v := range s.Inputs {
			c.Inputs[k] = append(json.RawMessage(nil), v...)
		}
		if s.Meta != nil {
			c.Meta = append(json.RawMessage(nil), s.Meta...)
		}
		out[id] = c
	}
	return out
}

// StringInput returns input name when it holds a plain JSON string.
func (s *Step) StringInput(name string) (string, bool) {
	raw, ok := s.Inputs[name]
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// SetInput stores v, encoded as JSON, under name.
func (s *Step) SetInput(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.Inputs == nil {
		s.Inputs = make(map[string]json.RawMessage)
	}
	s.Inputs[name] = raw
	return nil
}

// EdgeInput returns input name when it is a [nodeId, outputIndex] pair.
func (s *Step) EdgeInput(name string) (Edge, bool) {
	raw, ok := s.Inputs[name]
	if !ok {
		return Edge{}, false
	}
	return ParseEdge(raw)
}

// ParseEdge decodes a dependency edge.
func ParseEdge(raw json.RawMessage) (Edge, bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return Edge{}, false
	}
	var e Edge
	if err := json.Unmarshal(pair[0], &e.NodeID); err != nil {
		return Edge{}, false
	}
	if err := json.Unmarshal(pair[1], &e.Output); err != nil {
		return Edge{}, false
	}
	return e, true
}

func (e Edge) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.NodeID, e.Output})
}
