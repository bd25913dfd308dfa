package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HistoryEntry is the engine's record for one finished prompt.
type HistoryEntry struct {
	Status  Status   `json:"status"`
	Outputs Manifest `json:"outputs"`
	// Raw is the undecoded record, kept for debug logging.
	Raw json.RawMessage `json:"-"`
}

type Status struct {
	StatusStr string    `json:"status_str"`
	Completed bool      `json:"completed"`
	Messages  []Message `json:"messages"`
}

// Succeeded reports the only successful terminal combination.
func (s Status) Succeeded() bool {
	return s.StatusStr == "success" && s.Completed
}

// ExecutionError returns the first execution_error message that carries
// both the node_type and exception_message keys. Empty values still count.
func (s Status) ExecutionError() (ExecutionError, bool) {
	for _, m := range s.Messages {
		if m.Key != "execution_error" {
			continue
		}
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(m.Value, &keys); err != nil {
			continue
		}
		if _, ok := keys["node_type"]; !ok {
			continue
		}
		if _, ok := keys["exception_message"]; !ok {
			continue
		}
		var ee ExecutionError
		if err := json.Unmarshal(m.Value, &ee); err != nil {
			continue
		}
		return ee, true
	}
	return ExecutionError{}, false
}

// Message is one (event, payload) pair of the status message list. On the
// wire it is a two element array.
type Message struct {
	Key   string
	Value json.RawMessage
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("status message: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &m.Key); err != nil {
		return fmt.Errorf("status message key: %w", err)
	}
	m.Value = pair[1]
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	value := m.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return json.Marshal([]any{m.Key, value})
}

type ExecutionError struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

// Reason formats the error as "{node_type}: {exception_message}".
func (e ExecutionError) Reason() string {
	return e.NodeType + ": " + e.ExceptionMessage
}

// OutputFile describes one artifact written by an output node.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the artifacts of one node.
type NodeOutput struct {
	NodeID string
	Images []OutputFile
	Texts  []OutputFile
}

// Manifest is the outputs object of a history record, in the order the
// engine wrote the nodes.
type Manifest struct {
	Nodes []NodeOutput
}

// Len returns the number of nodes that reported outputs.
func (m Manifest) Len() int { return len(m.Nodes) }

// UnmarshalJSON keeps object key order, which encoding/json maps drop.
// Entries whose images or texts are not lists of files are ignored.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		m.Nodes = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("outputs: want object, got %v", tok)
	}

	m.Nodes = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		var fields map[string]json.RawMessage
		if err := dec.Decode(&fields); err != nil {
			return fmt.Errorf("outputs[%s]: %w", key, err)
		}

		node := NodeOutput{NodeID: key}
		node.Images = fileList(fields["images"])
		node.Texts = fileList(fields["texts"])
		m.Nodes = append(m.Nodes, node)
	}

	_, err = dec.Token()
	return err
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, n := range m.Nodes {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(n.NodeID)
		b.Write(key)
		b.WriteByte(':')

		body := map[string][]OutputFile{}
		if n.Images != nil {
			body["images"] = n.Images
		}
		if n.Texts != nil {
			body["texts"] = n.Texts
		}
		v, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func fileList(raw json.RawMessage) []OutputFile {
	if len(raw) == 0 {
		return nil
	}
	var files []OutputFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil
	}
	return files
}
