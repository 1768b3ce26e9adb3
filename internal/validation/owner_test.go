package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edustorage/internal/domain"
)

func TestValidOwnerID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"u1", true},
		{"student_42-b", true},
		{"студент7", true},
		{strings.Repeat("a", MaxOwnerIDLength), true},
		{"", false},
		{strings.Repeat("a", MaxOwnerIDLength+1), false},
		{"../x", false},
		{"a/b", false},
		{`a\b`, false},
		{"..", false},
		{"user id", false},
		{"u1\x00", false},
		{"u1%2F", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidOwnerID(tt.id), "id %q", tt.id)
	}
}

func TestValidateOwnerIDDetails(t *testing.T) {
	assert.Nil(t, ValidateOwnerID("u1"))

	err := ValidateOwnerID("a/b")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, "a/b", err.Details["userId"])
}
