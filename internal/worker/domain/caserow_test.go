package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContractDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-01-15", "2024-01-15"},
		{" 2024.01.15 ", "2024-01-15"},
		{"2024/01/15", "2024-01-15"},
		{"20240115", "2024-01-15"},
	}
	for _, tt := range tests {
		got, err := ParseContractDate(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"2024-13-01", "2024-02-30", "15/01/2024", "내일", "2024-1-5"} {
		_, err := ParseContractDate(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}
