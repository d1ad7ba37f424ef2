package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline error for retry-policy dispatch. Policy code
// branches on the kind field, never on the concrete type of a wrapped
// backend error.
type Kind int

const (
	// KindTransient covers timeouts, connection failures and backend
	// rate-limiting. Retried with exponential backoff where encountered.
	KindTransient Kind = iota
	// KindValidation covers malformed HTTP framing, malformed model
	// payloads and over-budget token usage. Handled by shrinking a
	// request parameter and retrying within the attempt budget.
	KindValidation
	// KindTerminal covers missing objects, permission failures, corrupt
	// sources and exceeded fallback ceilings. The affected unit is
	// abandoned without further automatic retry.
	KindTerminal
	// KindFatal covers infrastructure failure (the shared extraction
	// pool has died). The process exits rather than degrade.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindTerminal:
		return "terminal"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the tagged error variant carried across pipeline layers.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether backoff-and-retry is the right response.
func (e *Error) IsRetryable() bool { return e.Kind == KindTransient }

// Sentinel errors surfaced by the storage boundary and the extraction pool.
var (
	ErrNotFound         = errors.New("object not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrPoolClosed       = errors.New("extraction pool closed")
)

func Transient(op string, err error) error  { return &Error{Kind: KindTransient, Op: op, Err: err} }
func Validation(op string, err error) error { return &Error{Kind: KindValidation, Op: op, Err: err} }
func Terminal(op string, err error) error   { return &Error{Kind: KindTerminal, Op: op, Err: err} }
func Fatal(op string, err error) error      { return &Error{Kind: KindFatal, Op: op, Err: err} }

// Transientf builds a transient error from a format string.
func Transientf(op, format string, args ...interface{}) error {
	return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validationf builds a validation error from a format string.
func Validationf(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf resolves the kind of any error. Tagged errors report their own
// kind; context and obvious network failures classify as transient;
// everything else is terminal for the unit that hit it.
func KindOf(err error) Kind {
	if err == nil {
		return KindTerminal
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied) {
		return KindTerminal
	}
	if errors.Is(err, ErrPoolClosed) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	// Network errors from stdlib and SDKs rarely expose stable types.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof") {
		return KindTransient
	}

	return KindTerminal
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool { return KindOf(err) == KindTransient }

// IsFatal reports whether err must halt the whole process.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// IsNotFound reports a definitive missing-object outcome.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPermissionDenied reports a definitive access failure.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }
