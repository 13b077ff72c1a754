package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSEndpoint(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"", "ws://localhost:5000/api/ws"},
		{"http://build-box:8080", "ws://build-box:8080/api/ws"},
		{"https://run.example.com/", "wss://run.example.com/api/ws"},
		{"https://example.com/termrun", "wss://example.com/termrun/api/ws"},
		{"ws://127.0.0.1:9000", "ws://127.0.0.1:9000/api/ws"},
	}
	for _, tt := range tests {
		got, err := wsEndpoint(tt.server, 5000)
		require.NoError(t, err, tt.server)
		assert.Equal(t, tt.want, got)
	}

	_, err := wsEndpoint("ftp://example.com", 5000)
	assert.Error(t, err)
}

func TestExitStatus(t *testing.T) {
	code := func(n int) *int { return &n }

	assert.NoError(t, exitStatus(nil))
	assert.NoError(t, exitStatus(code(0)))

	err := exitStatus(code(3))
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.code)

	require.ErrorAs(t, exitStatus(code(-1)), &ee)
	assert.Equal(t, 1, ee.code)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("  abc \n", 10))
	assert.Equal(t, "abcde...", truncate("abcdefgh", 5))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "#include <stdio.h>", firstLine("\n\n#include <stdio.h>\nint main(){}", 38))
	assert.Equal(t, "(empty)", firstLine(" \n\t\n", 38))
	assert.Equal(t, "abcde...", firstLine("abcdefgh\n", 5))
}

func TestTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", timeAgo(time.Now()))
	assert.Equal(t, "5m ago", timeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", timeAgo(time.Now().Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "2d ago", timeAgo(time.Now().Add(-49*time.Hour)))
}
