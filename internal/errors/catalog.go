package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a standardized error code for the build pipeline
type ErrorCode string

// Error codes for the build pipeline
const (
	// Configuration errors (reported before any image build starts)
	ErrorCodeUnknownRuntime        ErrorCode = "UNKNOWN_RUNTIME"
	ErrorCodeDuplicateRepository   ErrorCode = "DUPLICATE_REPOSITORY"
	ErrorCodeMissingConstraintFile ErrorCode = "MISSING_CONSTRAINT_FILE"
	ErrorCodeInvalidConfig         ErrorCode = "INVALID_CONFIG"

	// Provisioning errors
	ErrorCodeUnsupportedDistro       ErrorCode = "UNSUPPORTED_DISTRO"
	ErrorCodeDependencyInstallFailed ErrorCode = "DEPENDENCY_INSTALL_FAILED"
	ErrorCodePrivilegeHandoffFailed  ErrorCode = "PRIVILEGE_HANDOFF_FAILED"

	// Image pipeline errors
	ErrorCodeStageFailed         ErrorCode = "STAGE_FAILED"
	ErrorCodeArtifactMissing     ErrorCode = "ARTIFACT_MISSING"
	ErrorCodeBuildFailed         ErrorCode = "BUILD_FAILED"
	ErrorCodeImageNotFound       ErrorCode = "IMAGE_NOT_FOUND"
	ErrorCodePushUnclearRegistry ErrorCode = "PUSH_UNCLEAR_REGISTRY"
)

// Error is a coded pipeline error
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new coded error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new coded error with a formatted message
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new coded error with a cause
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code carried by err, or the empty code if err is not
// a coded error.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var coded *Error
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Err
	}
	return false
}
