package resilience

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrorTransient, ClassifyError(NewTransientError(errors.New("503"), 503)))
	assert.Equal(t, ErrorTransient, ClassifyError(errors.New("connection reset by peer")))
	assert.Equal(t, ErrorPermanent, ClassifyError(errors.New("document: no extractable text")))
}

func TestDLQEntry_Retryable(t *testing.T) {
	t.Parallel()

	assert.True(t, DLQEntry{ErrorType: ErrorTransient}.Retryable())
	assert.False(t, DLQEntry{ErrorType: ErrorPermanent}.Retryable())
}
