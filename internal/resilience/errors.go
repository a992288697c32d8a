package resilience

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds the handler knows how to treat.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTransaction
	KindQueryTimeout
	KindEmbeddingTimeout
	KindModelUnavailable
	KindFrameworkFailure
	KindStreamTimeout
	KindValidation
)

// Kinds lists every kind, KindUnknown last.
var Kinds = []Kind{
	KindConnection,
	KindTransaction,
	KindQueryTimeout,
	KindEmbeddingTimeout,
	KindModelUnavailable,
	KindFrameworkFailure,
	KindStreamTimeout,
	KindValidation,
	KindUnknown,
}

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConnection:       "connection",
	KindTransaction:      "transaction",
	KindQueryTimeout:     "query_timeout",
	KindEmbeddingTimeout: "embedding_timeout",
	KindModelUnavailable: "model_unavailable",
	KindFrameworkFailure: "framework_failure",
	KindStreamTimeout:    "stream_timeout",
	KindValidation:       "validation",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure. Framework names the reasoning framework
// that failed, for framework failures.
type Error struct {
	Kind           Kind
	Op             string
	Framework      string
	NonRecoverable bool
	Err            error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Connection(op string, err error) *Error       { return New(KindConnection, op, err) }
func Transaction(op string, err error) *Error      { return New(KindTransaction, op, err) }
func QueryTimeout(op string, err error) *Error     { return New(KindQueryTimeout, op, err) }
func EmbeddingTimeout(op string, err error) *Error { return New(KindEmbeddingTimeout, op, err) }
func ModelUnavailable(op string, err error) *Error { return New(KindModelUnavailable, op, err) }
func StreamTimeout(op string, err error) *Error    { return New(KindStreamTimeout, op, err) }
func Validation(op string, err error) *Error       { return New(KindValidation, op, err) }

func FrameworkFailure(op, framework string, err error) *Error {
	e := New(KindFrameworkFailure, op, err)
	e.Framework = framework
	return e
}

// Fatal marks err as explicitly non-recoverable whatever its kind. A
// classified err keeps its kind and framework and is wrapped under op.
func Fatal(op string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return &Error{Kind: re.Kind, Op: op, Framework: re.Framework, Err: err, NonRecoverable: true}
	}
	return &Error{Kind: KindUnknown, Op: op, Err: err, NonRecoverable: true}
}

// Classify returns the kind of the first *Error in err's chain, or
// KindUnknown.
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

func asError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: KindUnknown, Err: err}
}

// Stats counts handled errors per kind. It renders with kind names as keys.
type Stats map[Kind]int
