package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 5, "hello"},
		{"multibyte", "こんにちは世界", 5, "こんにちは"},
		{"whitespace", "a\n\tb   c", 10, "a b c"},
		{"unbounded", "abc", 0, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.in, tt.max))
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Thread 42", "thread-42"},
		{"../../etc", "etc"},
		{"", "none"},
		{"!!!", "none"},
		{"LOW_CONFIDENCE", "low-confidence"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in, "none", 40), "Slug(%q)", tt.in)
	}
}
