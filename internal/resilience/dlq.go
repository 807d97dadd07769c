package resilience

import (
	"time"
)

// Error classes recorded on dead letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry records a document the pipeline could not process.
type DLQEntry struct {
	ID               string    `json:"id"`
	SourceDocumentID string    `json:"source_document_id"`
	Filename         string    `json:"filename,omitempty"`
	Stage            string    `json:"stage"`
	Error            string    `json:"error"`
	ErrorType        string    `json:"error_type"`
	Attempts         int       `json:"attempts"`
	CreatedAt        time.Time `json:"created_at"`
}

// DLQFilter narrows a dead letter listing.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Retryable reports whether resubmitting the document could succeed.
func (e DLQEntry) Retryable() bool {
	return e.ErrorType == ErrorTransient
}

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
