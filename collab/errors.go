package collab

import (
	"errors"
	"fmt"
)

// error codes surfaced to clients in ack/error messages.
// no error in this package is fatal to the process.
type ErrorCode string

const (
	ErrorCodeAuthenticationRequired ErrorCode = "authentication_required"
	ErrorCodeNotFound               ErrorCode = "not_found"
	ErrorCodePermissionDenied       ErrorCode = "permission_denied"
	ErrorCodeInvalidPayload         ErrorCode = "invalid_payload"
	ErrorCodeCorruptDelta           ErrorCode = "corrupt_delta"
	ErrorCodePersistenceFailure     ErrorCode = "persistence_failure"
)

type SyncError struct {
	Code    ErrorCode
	Message string
}

func NewSyncError(code ErrorCode, format string, a ...any) *SyncError {
	return &SyncError{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *SyncError) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

// Code of the error if it is a `SyncError`, else empty and false.
func SyncErrorCode(err error) (ErrorCode, bool) {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code, true
	}
	return "", false
}

func IsSyncErrorCode(err error, code ErrorCode) bool {
	errCode, ok := SyncErrorCode(err)
	return ok && errCode == code
}
