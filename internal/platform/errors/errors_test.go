package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeStalePreview, "state changed; preview is stale", fmt.Errorf("hash mismatch"))
	if !stderrors.Is(err, New(CodeStalePreview, "")) {
		t.Fatal("expected code match")
	}
	if stderrors.Is(err, New(CodeLockConflict, "")) {
		t.Fatal("expected code mismatch")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(CodeUnknown, "save state", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to match")
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := map[Code]codes.Code{
		CodeValidation:          codes.InvalidArgument,
		CodeUnknownField:        codes.InvalidArgument,
		CodeLockConflict:        codes.Aborted,
		CodeStalePreview:        codes.Aborted,
		CodeReservationMismatch: codes.FailedPrecondition,
		CodeInsufficientEntropy: codes.ResourceExhausted,
		CodeNotFound:            codes.NotFound,
		CodeSessionExists:       codes.AlreadyExists,
	}
	for code, want := range cases {
		if got := code.GRPCCode(); got != want {
			t.Fatalf("code %s: expected %v, got %v", code, want, got)
		}
	}
}

func TestToGRPCStatusCarriesReason(t *testing.T) {
	err := WithMetadata(CodeInsufficientEntropy, "ledger exhausted", map[string]string{"need": "12"})
	st, ok := status.FromError(err.ToGRPCStatus())
	if !ok {
		t.Fatal("expected grpc status")
	}
	if st.Code() != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", st.Code())
	}
	if len(st.Details()) == 0 {
		t.Fatal("expected error details")
	}
}
