package model

import "time"

// LogKind classifies a processing log entry.
type LogKind string

const (
	LogMerge      LogKind = "merge"
	LogRetry      LogKind = "retry"
	LogFailure    LogKind = "failure"
	LogSchema     LogKind = "schema"
	LogTransition LogKind = "transition"
	LogInfo       LogKind = "info"
	LogCorrection LogKind = "correction"
)

// LogEntry is one audit record in a document's processing log.
type LogEntry struct {
	DocumentID string         `json:"document_id"`
	At         time.Time      `json:"at"`
	Kind       LogKind        `json:"kind"`
	Field      string         `json:"field,omitempty"`
	Message    string         `json:"message"`
	Detail     map[string]any `json:"detail,omitempty"`
}
