package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnknownField Code = "UNKNOWN_FIELD"
	CodeInvalidSlug  Code = "INVALID_SLUG"

	// Transaction errors
	CodeLockConflict        Code = "LOCK_CONFLICT"
	CodeStalePreview        Code = "STALE_PREVIEW"
	CodeReservationMismatch Code = "RESERVATION_MISMATCH"

	// Ledger errors
	CodeInsufficientEntropy Code = "INSUFFICIENT_ENTROPY"
	CodeEntropyCorrupt      Code = "ENTROPY_CORRUPT"
	CodeEntropyReused       Code = "ENTROPY_REUSED"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeSessionExists Code = "SESSION_EXISTS"
)

// GRPCCode maps domain codes to gRPC status codes. This is the user-visible
// mapping: conflicts are retryable, validation failures are bad requests, and
// ledger exhaustion is an operational failure rather than a user error.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeValidation,
		CodeUnknownField,
		CodeInvalidSlug:
		return codes.InvalidArgument

	// Aborted - conflict, caller should retry with fresh state
	case CodeLockConflict,
		CodeStalePreview:
		return codes.Aborted

	// FailedPrecondition - caller/engine disagreement, never auto-corrected
	case CodeReservationMismatch:
		return codes.FailedPrecondition

	// ResourceExhausted - requires administrative ledger extension
	case CodeInsufficientEntropy:
		return codes.ResourceExhausted

	case CodeNotFound:
		return codes.NotFound

	case CodeSessionExists:
		return codes.AlreadyExists

	case CodeEntropyCorrupt, CodeEntropyReused:
		return codes.Internal

	default:
		return codes.Unknown
	}
}
