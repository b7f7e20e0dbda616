package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind_HTTPStatus(t *testing.T) {
	cases := map[ErrorKind]int{
		ErrorInvalidRequest:     400,
		ErrorUnsupportedAgent:   400,
		ErrorAgentNotInstalled:  404,
		ErrorInstallFailed:      500,
		ErrorAgentProcessExited: 500,
		ErrorTokenInvalid:       401,
		ErrorPermissionDenied:   403,
		ErrorSessionNotFound:    404,
		ErrorSessionExists:      409,
		ErrorModeNotSupported:   400,
		ErrorStream:             502,
		ErrorTimeout:            504,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestErrorKind_URN(t *testing.T) {
	assert.Equal(t, "urn:sandbox-agent:error:session_not_found", ErrorSessionNotFound.URN())
}

func TestAgentError_WithContextAndWrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewAgentError(ErrorStream, "driver crashed").WithContext("offset", 42).Wrap(cause)

	assert.Equal(t, 42, err.Context["offset"])
	assert.Same(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestAsAgentError_PassesThroughAndWraps(t *testing.T) {
	ae := NewAgentError(ErrorTimeout, "too slow")
	assert.Same(t, ae, AsAgentError(ae))

	wrapped := AsAgentError(errors.New("generic"))
	assert.Equal(t, ErrorStream, wrapped.Kind)

	assert.Nil(t, AsAgentError(nil))
}
