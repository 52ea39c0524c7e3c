// Package flowerr defines the dotted error taxonomy shared across the
// orchestrator: validator issues, scheduler failure classification, and
// the wire ErrorRecord carried on result messages and telemetry events.
package flowerr

import (
	"fmt"
	"time"
)

// Code is a dotted error code, e.g. "CONNECTION_ERROR.TIMEOUT".
type Code string

const (
	CodeConnectionError    Code = "CONNECTION_ERROR"
	CodeConnectionTimeout  Code = "CONNECTION_ERROR.TIMEOUT"
	CodeAuthenticationErr  Code = "AUTHENTICATION_ERROR"
	CodeDataError          Code = "DATA_ERROR"
	CodeResourceError      Code = "RESOURCE_ERROR"
	CodeResourceConflict   Code = "RESOURCE_ERROR.CONFLICT"
	CodeResourceUnavail    Code = "RESOURCE_ERROR.UNAVAILABLE"
	CodeProcessingError    Code = "PROCESSING_ERROR"
	CodeProcessingTimeout  Code = "PROCESSING_ERROR.PROCESSING_TIMEOUT"
	CodeTransformFailed    Code = "PROCESSING_ERROR.TRANSFORMATION_FAILED"
	CodeSystemError        Code = "SYSTEM_ERROR"
	CodeVersionError       Code = "VERSION_ERROR"
	CodeComponentCrash     Code = "COMPONENT_CRASH"
	CodePartialFailure     Code = "PARTIAL_FAILURE"
	CodeRecoveryError      Code = "RECOVERY_ERROR"
	CodeValidationError    Code = "VALIDATION_ERROR"
)

// Severity mirrors spec.md §6's ErrorRecord.severity enum.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Record is the wire ErrorRecord shape from spec.md §6.
type Record struct {
	ErrorCode     Code           `json:"errorCode"`
	Severity      Severity       `json:"severity"`
	SourceComponent string       `json:"sourceComponent"`
	ExecutionID   string         `json:"executionId,omitempty"`
	FlowID        string         `json:"flowId,omitempty"`
	BranchPath    string         `json:"branchPath,omitempty"`
	StepID        string         `json:"stepId,omitempty"`
	Message       string         `json:"message"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	VersionInfo   string         `json:"versionInfo,omitempty"`
}

func (r *Record) Error() string {
	return fmt.Sprintf("%s: %s (correlation=%s)", r.ErrorCode, r.Message, r.CorrelationID)
}

// New builds a Record, stamping Timestamp with now.
func New(component string, code Code, severity Severity, msg string) *Record {
	return &Record{
		ErrorCode:       code,
		Severity:        severity,
		SourceComponent: component,
		Message:         msg,
		Timestamp:       time.Now(),
	}
}

// Retriable reports whether the error kind is locally recoverable by the
// scheduler's retry loop, per spec.md §4.3/§7.
func Retriable(code Code) bool {
	switch code {
	case CodeConnectionTimeout, CodeResourceUnavail, CodeProcessingTimeout:
		return true
	default:
		return false
	}
}

// PromotesToExecutionFailure reports whether the error kind is always
// fatal to the whole execution regardless of branch bulkheads.
func PromotesToExecutionFailure(code Code) bool {
	return code == CodeSystemError || code == CodeRecoveryError
}
