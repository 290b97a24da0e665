package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimMethod(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		expected string
	}{
		{
			name:     "GET method with path",
			pattern:  "GET /auth/login",
			expected: "/auth/login",
		},
		{
			name:     "POST method with path",
			pattern:  "POST /threads",
			expected: "/threads",
		},
		{
			name:     "path parameter preserved",
			pattern:  "POST /threads/{id}/runs",
			expected: "/threads/{id}/runs",
		},
		{
			name:     "path without method",
			pattern:  "/healthcheck",
			expected: "/healthcheck",
		},
		{
			name:     "invalid method prefix untouched",
			pattern:  "FETCH /path",
			expected: "FETCH /path",
		},
		{
			name:     "lowercase method not stripped",
			pattern:  "get /auth/login",
			expected: "get /auth/login",
		},
		{
			name:     "empty string",
			pattern:  "",
			expected: "",
		},
		{
			name:     "method without trailing space",
			pattern:  "GET",
			expected: "GET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TrimMethod(tt.pattern))
		})
	}
}
