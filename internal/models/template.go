package models

import (
	"encoding/json"
	"time"
)

// WorkflowTemplate is a stored engine graph addressed by name. Definition
// is the graph as the engine expects it, stored as JSONB.
type WorkflowTemplate struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
