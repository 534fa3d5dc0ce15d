package coreerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors_KindAndCode(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		kind Kind
		code Code
	}{
		{"NotLeader", NotLeader("10.0.0.1:8300"), KindTransient, CodeNotLeader},
		{"Timeout", Timeout("deadline exceeded"), KindTransient, CodeTimeout},
		{"ResourceExhausted", ResourceExhausted("rate limit exceeded"), KindTransient, CodeResourceExhausted},
		{"Unavailable", Unavailable("dial failed"), KindTransient, CodeUnavailable},
		{"ForwardExhausted", ForwardExhausted("attempts exhausted"), KindTransient, CodeForwardExhausted},
		{"InvalidArgument", InvalidArgument("bad input"), KindCaller, CodeInvalidArgument},
		{"NotFound", NotFound("missing"), KindCaller, CodeNotFound},
		{"AlreadyExists", AlreadyExists("dup"), KindCaller, CodeAlreadyExists},
		{"PreconditionFailed", PreconditionFailed("bad state"), KindCaller, CodePreconditionFailed},
		{"PermissionDenied", PermissionDenied("denied"), KindCaller, CodePermissionDenied},
		{"SchemaMismatch", SchemaMismatch("bad schema"), KindIntegrity, CodeSchemaMismatch},
		{"InvariantViolation", InvariantViolation("broken invariant"), KindIntegrity, CodeInvariantViolation},
		{"StorageFailure", StorageFailure("disk", errors.New("io error")), KindFatal, CodeStorageFailure},
		{"ConsensusFailure", ConsensusFailure("raft", errors.New("apply failed")), KindFatal, CodeConsensusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.code, tt.err.Code)
		})
	}
}

func TestNotLeader_CarriesLeaderHint(t *testing.T) {
	err := NotLeader("node-2:8300")
	assert.Equal(t, "node-2:8300", err.LeaderHint)
}

func TestError_MessageTakesPriorityOverWrapped(t *testing.T) {
	wrapped := errors.New("underlying")
	err := StorageFailure("write batch failed", wrapped)
	assert.Equal(t, "STORAGE_FAILURE: write batch failed", err.Error())
}

func TestError_FallsBackToWrapped(t *testing.T) {
	wrapped := errors.New("disk full")
	err := &Error{Kind: KindFatal, Code: CodeStorageFailure, Err: wrapped}
	assert.Equal(t, "STORAGE_FAILURE: disk full", err.Error())
}

func TestError_FallsBackToCodeOnly(t *testing.T) {
	err := &Error{Kind: KindCaller, Code: CodeNotFound}
	assert.Equal(t, "NOT_FOUND", err.Error())
}

func TestError_Unwrap(t *testing.T) {
	wrapped := errors.New("root cause")
	err := ConsensusFailure("apply", wrapped)
	assert.Same(t, wrapped, errors.Unwrap(err))
}

func TestIs_MatchesKind(t *testing.T) {
	err := ResourceExhausted("too many in flight")
	assert.True(t, Is(err, KindTransient))
	assert.False(t, Is(err, KindCaller))
}

func TestIs_NonCoreErrorNeverMatches(t *testing.T) {
	assert.False(t, Is(errors.New("plain error"), KindTransient))
}

func TestIsCode_MatchesCode(t *testing.T) {
	err := NotFound("no such config")
	assert.True(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(err, CodeAlreadyExists))
}

func TestIs_UnwrapsWrappedError(t *testing.T) {
	inner := InvalidArgument("bad field")
	outer := fmt.Errorf("request failed: %w", inner)
	assert.True(t, Is(outer, KindCaller))
	assert.True(t, IsCode(outer, CodeInvalidArgument))
}
