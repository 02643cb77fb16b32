package usecase

import "fmt"

type ErrorCode string

// Stage error codes. Only ErrorStorageFailure on the ledger insert is
// reported to the delivery channel as retryable; every other code is absorbed
// by the pipeline after logging.
const (
	ErrorInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrorStorageFailure        ErrorCode = "STORAGE_FAILURE"
	ErrorClassificationFailure ErrorCode = "CLASSIFICATION_FAILURE"
	ErrorPolicyReadFailure     ErrorCode = "POLICY_READ_FAILURE"
	ErrorDispatchFailure       ErrorCode = "DISPATCH_FAILURE"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
