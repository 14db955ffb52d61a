package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	base := errors.New("connection reset")

	assert.Equal(t, ErrServerError, CodeOf(base))
	assert.Equal(t, ErrNotFound, CodeOf(NotFound("switch request")))
	assert.Equal(t, ErrValidation, CodeOf(fmt.Errorf("login: %w", Validation("device id required"))))
	assert.True(t, Is(Internal(base), ErrServerError))
	assert.False(t, Is(nil, ErrServerError))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(ErrServerError, "activate device", base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "activate device: boom", err.Error())
	assert.Equal(t, ErrPresenceRequired, New(ErrPresenceRequired, "").Error())
}
