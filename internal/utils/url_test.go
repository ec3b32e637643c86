package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"https://scanner.example.com/base", false},
		{"ftp://example.com", true},
		{"localhost:8080", true},
		{"http://", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
		} else {
			assert.NoError(t, err, tt.raw)
		}
	}
}
