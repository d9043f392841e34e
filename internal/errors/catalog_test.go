package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrorCodeUnknownRuntime, "no such runtime")
	assert.Equal(t, "UNKNOWN_RUNTIME: no such runtime", err.Error())

	wrapped := Wrap(ErrorCodeStageFailed, "stage RootImage", errors.New("daemon unreachable"))
	assert.Equal(t, "STAGE_FAILED: stage RootImage: daemon unreachable", wrapped.Error())
}

func TestCodeOfUnwrapsChains(t *testing.T) {
	inner := New(ErrorCodeUnsupportedDistro, "no apt, no apk")
	outer := fmt.Errorf("probing base image: %w", inner)

	assert.Equal(t, ErrorCodeUnsupportedDistro, CodeOf(outer))
	assert.True(t, HasCode(outer, ErrorCodeUnsupportedDistro))
	assert.False(t, HasCode(outer, ErrorCodeStageFailed))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.False(t, HasCode(nil, ErrorCodeStageFailed))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := Wrap(ErrorCodeDependencyInstallFailed, "provisioning task failed", cause)
	assert.ErrorIs(t, err, cause)
}
