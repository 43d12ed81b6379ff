package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Cinematic Documentary", "cinematic-documentary"},
		{"  Lo-fi / Chill!! ", "lo-fi-chill"},
		{"AI 智能体", "ai-智能体"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GenerateSlug(tt.in), tt.in)
	}

	long := GenerateSlug(strings.Repeat("word ", 30))
	assert.LessOrEqual(t, len(long), 50)
	assert.False(t, strings.HasSuffix(long, "-"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "智能...", Truncate("智能体智能体", 5))
}
