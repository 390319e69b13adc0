package common

import "errors"

// Kind classifies a CoreError the way the source system's failure taxonomy
// does: most kinds are captured into a metrics envelope and never escalate,
// only InputInvariantViolation and Fatal leave computeCounters as errors.
type Kind string

const (
	InputInvariantViolation Kind = "input_invariant_violation"
	PlanEmpty               Kind = "plan_empty"
	BatchTimeout            Kind = "batch_timeout"
	NoReadyWorkers          Kind = "no_ready_workers"
	StorageError            Kind = "storage_error"
	WorkerDied              Kind = "worker_died"
	Fatal                   Kind = "fatal"
)

// CoreError is the engine's error type: a Kind discriminant plus the
// underlying cause, mirroring the teacher's CouchDBError{StatusCode,
// ErrorType, Reason} shape.
type CoreError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewCoreError builds a CoreError, wrapping cause if present.
func NewCoreError(kind Kind, reason string, cause error) *CoreError {
	return &CoreError{Kind: kind, Reason: reason, Err: cause}
}

func kindOf(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// IsFatal reports whether err is a CoreError of Kind Fatal.
func IsFatal(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Fatal
}

// IsInputInvariantViolation reports whether err is a CoreError of Kind
// InputInvariantViolation.
func IsInputInvariantViolation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == InputInvariantViolation
}

// IsStorageError reports whether err is a CoreError of Kind StorageError.
func IsStorageError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == StorageError
}

// IsWorkerDied reports whether err is a CoreError of Kind WorkerDied.
func IsWorkerDied(err error) bool {
	k, ok := kindOf(err)
	return ok && k == WorkerDied
}

// IsBatchTimeout reports whether err is a CoreError of Kind BatchTimeout.
func IsBatchTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == BatchTimeout
}

// IsNoReadyWorkers reports whether err is a CoreError of Kind NoReadyWorkers.
func IsNoReadyWorkers(err error) bool {
	k, ok := kindOf(err)
	return ok && k == NoReadyWorkers
}

// IsPlanEmpty reports whether err is a CoreError of Kind PlanEmpty.
func IsPlanEmpty(err error) bool {
	k, ok := kindOf(err)
	return ok && k == PlanEmpty
}

// Escalates reports whether err should leave computeCounters as a returned
// error rather than being folded into the metrics envelope.
func Escalates(err error) bool {
	return IsFatal(err) || IsInputInvariantViolation(err)
}
