// Package oxerr centralizes the error kinds and reference-server error
// codes described in spec.md §7, and the redaction rule §4.H requires for
// any error message that embeds a sensitive document field name.
//
// It follows the shape of the teacher's pkg/errors.AppError (a typed error
// with a numeric code and an optional wrapped cause), generalized from HTTP
// status codes to the reference server's wire-protocol error codes.
package oxerr

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind names one row of the spec.md §7 error table.
type Kind string

const (
	KindMalformedDoc           Kind = "MalformedDoc"
	KindTruncatedMessage       Kind = "TruncatedMessage"
	KindUnknownOpcode          Kind = "UnknownOpcode"
	KindCompressionUnsupported Kind = "CompressionUnsupported"
	KindDocTooLarge            Kind = "DocTooLarge"
	KindCommandNotFound        Kind = "CommandNotFound"
	KindBadProjection          Kind = "BadProjection"
	KindConflictingOperators   Kind = "ConflictingOperators"
	KindBadRegex               Kind = "BadRegex"
	KindImmutableIdField       Kind = "ImmutableIdField"
	KindDuplicateKey           Kind = "DuplicateKey"
	KindCursorNotFound         Kind = "CursorNotFound"
	KindNoSuchTransaction      Kind = "NoSuchTransaction"
	KindTransactionInProgress  Kind = "TransactionInProgress"
	KindTransactionTooOld      Kind = "TransactionTooOld"
	KindTransientConflict      Kind = "TransientConflict"
	KindAuthNotSupported       Kind = "AuthNotSupported"
	KindBackend                Kind = "Backend"
)

// code returns the reference server's numeric error code for a Kind, used
// to populate the wire reply's `code` field (spec.md §7).
var code = map[Kind]int{
	KindMalformedDoc:           22,
	KindTruncatedMessage:       22,
	KindUnknownOpcode:          352,
	KindCompressionUnsupported: 176,
	KindDocTooLarge:            10334,
	KindCommandNotFound:        59,
	KindBadProjection:          31249,
	KindConflictingOperators:   40,
	KindBadRegex:               51091,
	KindImmutableIdField:       66,
	KindDuplicateKey:           11000,
	KindCursorNotFound:         43,
	KindNoSuchTransaction:      251,
	KindTransactionInProgress:  256,
	KindTransactionTooOld:      225,
	KindTransientConflict:      112,
	KindAuthNotSupported:       18, // AuthenticationFailed
	KindBackend:                1,  // InternalError
}

// Code returns the wire-level numeric code for k.
func (k Kind) Code() int { return code[k] }

// ClosesConnection reports whether an error of this kind requires the connection to
// be closed after a best-effort framed error, rather than replied to with
// {ok:0} (spec.md §7's "Recovered locally? no" + "close connection" rows).
func (k Kind) ClosesConnection() bool {
	switch k {
	case KindMalformedDoc, KindTruncatedMessage, KindUnknownOpcode, KindCompressionUnsupported, KindDocTooLarge:
		return true
	default:
		return false
	}
}

// Retryable reports whether the dispatcher may retry the operation once
// outside a transaction before surfacing TransientConflict to the client
// (spec.md §7).
func (k Kind) Retryable() bool { return k == KindTransientConflict }

// Error is a typed OxideDB error carrying a Kind, a human message, and an
// optional wrapped cause — the wire-facing analogue of the teacher's
// pkg/errors.AppError.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Labels  []string // e.g. "TransientTransactionError" per spec.md §7
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: Redact(message)}
}

// Wrap builds an *Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: Redact(message), Err: err}
}

// WithLabels attaches reference-server error labels (e.g.
// "TransientTransactionError") to an existing error.
func (e *Error) WithLabels(labels ...string) *Error {
	e.Labels = append(e.Labels, labels...)
	return e
}

// As is a convenience wrapper over errors.As for extracting an *Error kind.
func As(err error) (*Error, bool) {
	var oe *Error
	ok := errors.As(err, &oe)
	return oe, ok
}

// sensitiveFieldPattern matches document field names that must never appear
// unredacted in an error message or shadow diff (spec.md §4.H, §7).
var sensitiveFieldPattern = regexp.MustCompile(`(?i)(password|credential|secret|token|sasl)`)

// Redact scrubs any run of the message that looks like `<sensitive-field>:
// <value>` or `<sensitive-field>=<value>`, replacing the value with
// "[REDACTED]". It is intentionally conservative: it only redacts values
// immediately following a recognizably sensitive key.
func Redact(msg string) string {
	return redactPattern.ReplaceAllString(msg, "$1[REDACTED]")
}

var redactPattern = regexp.MustCompile(`(?i)((?:password|credential|secret|token|sasl)\w*\s*[:=]\s*)([^\s,}]+)`)

// IsSensitiveField reports whether a field name should be redacted when it
// appears in a shadow diff (spec.md §4.H point 5).
func IsSensitiveField(name string) bool {
	return sensitiveFieldPattern.MatchString(name)
}
