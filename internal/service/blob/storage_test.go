package blob

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendError(t *testing.T) {
	transient := NewError("put", "users/u1/a", true, context.DeadlineExceeded)
	permanent := NewError("head", "users/u1/b", false, ErrObjectNotFound)

	assert.True(t, IsTransient(fmt.Errorf("upload: %w", transient)))
	assert.False(t, IsTransient(permanent))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.ErrorIs(t, permanent, ErrObjectNotFound)
	assert.Contains(t, transient.Error(), "transient")
	assert.Contains(t, permanent.Error(), `"users/u1/b"`)
}
