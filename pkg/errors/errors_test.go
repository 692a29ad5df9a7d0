package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeAuthorization, CodeOf(Authorization("room not allowed")))
	assert.Equal(t, CodeValidation, CodeOf(Validation("bad payload")))
	assert.Equal(t, CodeInternal, CodeOf(stderrors.New("plain")))
	assert.Equal(t, CodeInternal, CodeOf(nil))
}

func TestCodeOfWrapped(t *testing.T) {
	inner := Backplane("publish failed", stderrors.New("conn refused"))
	wrapped := fmt.Errorf("broadcast room post:1: %w", inner)

	assert.Equal(t, CodeBackplaneUnavailable, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeBackplaneUnavailable))
	assert.False(t, Is(wrapped, CodeValidation))
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(1500 * time.Millisecond)
	assert.Equal(t, CodeRateLimited, err.Code)
	assert.Equal(t, 1500*time.Millisecond, err.RetryAfter)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("token expired")
	err := Authentication("invalid token", cause)
	assert.True(t, stderrors.Is(err, cause))
}
