package flowerr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_StampsFields(t *testing.T) {
	rec := New("importer-svc", CodeConnectionTimeout, SeverityMajor, "transient connection timeout")

	assert.Equal(t, CodeConnectionTimeout, rec.ErrorCode)
	assert.Equal(t, SeverityMajor, rec.Severity)
	assert.Equal(t, "importer-svc", rec.SourceComponent)
	assert.Equal(t, "transient connection timeout", rec.Message)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestRecord_Error_IncludesCorrelationID(t *testing.T) {
	rec := New("exporter-svc", CodeDataError, SeverityMinor, "bad payload")
	rec.CorrelationID = "corr-123"

	msg := rec.Error()
	assert.Contains(t, msg, string(CodeDataError))
	assert.Contains(t, msg, "bad payload")
	assert.Contains(t, msg, "corr-123")
}

func TestRetriable(t *testing.T) {
	cases := map[Code]bool{
		CodeConnectionTimeout: true,
		CodeResourceUnavail:   true,
		CodeProcessingTimeout: true,
		CodeDataError:         false,
		CodeValidationError:   false,
		CodeSystemError:       false,
	}
	for code, want := range cases {
		assert.Equal(t, want, Retriable(code), "code %s", code)
	}
}

func TestPromotesToExecutionFailure(t *testing.T) {
	assert.True(t, PromotesToExecutionFailure(CodeSystemError))
	assert.True(t, PromotesToExecutionFailure(CodeRecoveryError))
	assert.False(t, PromotesToExecutionFailure(CodeConnectionTimeout))
	assert.False(t, PromotesToExecutionFailure(CodeDataError))
}
