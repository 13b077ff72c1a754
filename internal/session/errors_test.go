package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := &Error{Code: CodeNotFound, Message: "session abc not found"}
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrNotRunning)

	wrapped := fmt.Errorf("handling input: %w", err)
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := newError(CodeWorkspace, "could not prepare workspace", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "WORKSPACE")
	assert.Contains(t, err.Error(), "disk full")
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}
