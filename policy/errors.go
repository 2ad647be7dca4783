package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure according to how callers must react to it.
type ErrorKind string

// Availability errors: recovered locally by retry and circuit breaking.
const (
	KindAdapterUnavailable ErrorKind = "adapter_unavailable"
	KindAdapterTimeout     ErrorKind = "adapter_timeout"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindInsufficientQuorum ErrorKind = "insufficient_quorum"
)

// Quality errors: never retried blindly.
const (
	KindAdapterMalformedResponse ErrorKind = "adapter_malformed_response"
	KindComplianceBelowThreshold ErrorKind = "compliance_below_threshold"
)

// Verification, consistency and transaction errors.
const (
	KindRefuted             ErrorKind = "verification_refuted"
	KindInconclusive        ErrorKind = "verification_inconclusive"
	KindVerifierUnavailable ErrorKind = "verifier_unavailable"
	KindChainConflict       ErrorKind = "chain_conflict"
	KindActivationFailed    ErrorKind = "activation_failed"
	KindTransactionTimeout  ErrorKind = "transaction_timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindConfiguration       ErrorKind = "configuration"
	KindInvalidPrinciple    ErrorKind = "invalid_principle"
	KindIntegrityViolation  ErrorKind = "integrity_violation"
	KindStorageUnavailable  ErrorKind = "storage_unavailable"
)

// Availability reports whether the kind signals transient unavailability
// that counts toward circuit breaking.
func (k ErrorKind) Availability() bool {
	switch k {
	case KindAdapterUnavailable, KindAdapterTimeout:
		return true
	}
	return false
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrAdapterUnavailable       = &Error{Kind: KindAdapterUnavailable}
	ErrAdapterTimeout           = &Error{Kind: KindAdapterTimeout}
	ErrAdapterMalformedResponse = &Error{Kind: KindAdapterMalformedResponse}
	ErrCircuitOpen              = &Error{Kind: KindCircuitOpen}
	ErrInsufficientQuorum       = &Error{Kind: KindInsufficientQuorum}
	ErrComplianceBelowThreshold = &Error{Kind: KindComplianceBelowThreshold}
	ErrRefuted                  = &Error{Kind: KindRefuted}
	ErrInconclusive             = &Error{Kind: KindInconclusive}
	ErrChainConflict            = &Error{Kind: KindChainConflict}
	ErrTransactionTimeout       = &Error{Kind: KindTransactionTimeout}
	ErrCancelled                = &Error{Kind: KindCancelled}
	ErrIntegrityViolation       = &Error{Kind: KindIntegrityViolation}
)

// Error is the typed failure returned by every stage. It carries enough
// context to reproduce and audit the failure.
type Error struct {
	Kind  ErrorKind
	Stage Stage

	AdapterID       string
	Verdict         Verdict
	EvidenceRef     string
	Domain          string
	ConflictVersion string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(string(e.Stage))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))

	var details []string
	if e.AdapterID != "" {
		details = append(details, "adapter="+e.AdapterID)
	}
	if e.Domain != "" {
		details = append(details, "domain="+e.Domain)
	}
	if e.Verdict != "" {
		details = append(details, "verdict="+string(e.Verdict))
	}
	if e.EvidenceRef != "" {
		details = append(details, "evidence="+e.EvidenceRef)
	}
	if e.ConflictVersion != "" {
		details = append(details, "head="+e.ConflictVersion)
	}
	if len(details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(details, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a typed error wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a typed error with a formatted cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of a typed error, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// WithStage returns err tagged with stage. Untyped errors are wrapped with
// fallback kind; typed errors are copied so shared values stay untouched.
func WithStage(err error, stage Stage, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); ok {
		cp := *pe
		cp.Stage = stage
		return &cp
	}
	return &Error{Kind: fallback, Stage: stage, Err: err}
}
