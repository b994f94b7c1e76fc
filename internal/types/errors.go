package types

import "errors"

// ErrorKind tags a job failure with a stable, client-visible category.
type ErrorKind string

const (
	// ErrKindBadInput marks malformed uploads, unknown advisors, or unknown
	// modes. Rejected synchronously at the HTTP layer; never creates a job.
	ErrKindBadInput ErrorKind = "bad_input"
	// ErrKindUnavailable marks a requested mode that cannot be satisfied and
	// has no fallback (currently only rag_lora).
	ErrKindUnavailable ErrorKind = "unavailable"
	// ErrKindModelTimeout marks a model call that exceeded its per-call budget.
	ErrKindModelTimeout ErrorKind = "model_timeout"
	// ErrKindParseError marks model output that failed schema validation
	// after one retry.
	ErrKindParseError ErrorKind = "parse_error"
	// ErrKindRetrievalRequired marks a rag_lora job that lost retrieval and
	// cannot degrade.
	ErrKindRetrievalRequired ErrorKind = "retrieval_required"
	// ErrKindTimeout marks a job that exceeded its wall-clock budget and was
	// reaped.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindInternal covers everything else.
	ErrKindInternal ErrorKind = "internal"
)

// JobError is a failure with a taxonomy kind attached. The engine persists
// both the kind and the message on the job record.
type JobError struct {
	Kind    ErrorKind
	Message string
}

func (e *JobError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewJobError builds a JobError.
func NewJobError(kind ErrorKind, message string) *JobError {
	return &JobError{Kind: kind, Message: message}
}

// KindOf extracts the taxonomy kind from err, defaulting to internal for
// errors that carry no JobError in their chain. A nil err has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return ErrKindInternal
}
