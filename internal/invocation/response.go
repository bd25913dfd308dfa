package invocation

import (
	"encoding/json"

	"comfyworker/internal/assembler"
	"comfyworker/internal/pkg/errors"
)

// Response is the invocation output. A non-empty Error selects one of the
// failure shapes; otherwise it encodes as the success shape.
type Response struct {
	Callback json.RawMessage
	Images   []string
	Texts    []assembler.TextRecord
	Objects  []assembler.StagedObject

	Error         string
	RefreshWorker bool
	// Output is the engine's answer to a rejected submission.
	Output    any
	HasOutput bool
	// Code classifies a failure. It is not part of the encoded output.
	Code errors.Code
}

func (r Response) Failed() bool { return r.Error != "" }

type successBody struct {
	Callback     json.RawMessage          `json:"callback"`
	Images       []string                 `json:"images"`
	ImagesFormat string                   `json:"images_format"`
	Texts        []assembler.TextRecord   `json:"texts"`
	Objects      []assembler.StagedObject `json:"objects,omitempty"`
}

type failureBody struct {
	Error         string `json:"error"`
	RefreshWorker bool   `json:"refresh_worker,omitempty"`
}

type rejectedBody struct {
	Error  string `json:"error"`
	Output any    `json:"output"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		if r.HasOutput {
			return json.Marshal(rejectedBody{Error: r.Error, Output: r.Output})
		}
		return json.Marshal(failureBody{Error: r.Error, RefreshWorker: r.RefreshWorker})
	}

	cb := r.Callback
	if len(cb) == 0 {
		cb = json.RawMessage("null")
	}
	images := r.Images
	if images == nil {
		images = []string{}
	}
	texts := r.Texts
	if texts == nil {
		texts = []assembler.TextRecord{}
	}
	return json.Marshal(successBody{
		Callback:     cb,
		Images:       images,
		ImagesFormat: ImagesFormat,
		Texts:        texts,
		Objects:      r.Objects,
	})
}
