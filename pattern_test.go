package emq

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"world.belarus.*", "world.belarus.minsk", true},
		{"world.russia.*", "world.belarus.minsk", false},
		{"world.*", "world.belarus.minsk", true},
		{"*", "", true},
		{"*", "anything.at.all", true},
		{"", "", true},
		{"", "a", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"*a", "baa", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b", "a.c", false},
		{"[abc]x", "bx", true},
		{"[abc]x", "dx", false},
		{"[^abc]x", "ax", false},
		{"[^abc]x", "dx", true},
		{"room.[0-9]", "room.7", true},
		{"room.[0-9]", "room.x", false},
		{"[c-a]", "b", true},
		{"[]]", "]", true},
		{"[ab", "[ab", true},
		{`\*`, "*", true},
		{`\*`, "a", false},
		{`a\?`, "a?", true},
		{"news.*.sport", "news.local.sport", true},
		{"news.*.sport", "news.local.weather", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, PatternMatch(tt.pattern, tt.topic))
		})
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "simple", input: "orders"},
		{name: "dotted", input: "world.belarus.minsk"},
		{name: "utf8", input: "очередь"},
		{name: "max length", input: strings.Repeat("q", 255)},
		{name: "empty", input: "", wantErr: ErrEmptyName},
		{name: "too long", input: strings.Repeat("q", 256), wantErr: ErrInvalidName},
		{name: "nul byte", input: "a\x00b", wantErr: ErrInvalidName},
		{name: "invalid utf8", input: string([]byte{0xFF, 0xFE}), wantErr: ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("world.*"))
	assert.NoError(t, ValidatePattern("[a-z]?"))
	assert.NoError(t, ValidatePattern(`a\[b`))
	assert.ErrorIs(t, ValidatePattern("a[b"), ErrInvalidPattern)
	assert.ErrorIs(t, ValidatePattern(`a\`), ErrInvalidPattern)
	assert.ErrorIs(t, ValidatePattern(`[a\`), ErrInvalidPattern)
	assert.NoError(t, ValidatePattern(`a\\`))
	assert.ErrorIs(t, ValidatePattern(""), ErrEmptyName)
}

func TestIsPattern(t *testing.T) {
	assert.True(t, IsPattern("a.*"))
	assert.True(t, IsPattern("a?"))
	assert.True(t, IsPattern("[a]"))
	assert.True(t, IsPattern(`a\b`))
	assert.False(t, IsPattern("plain.topic"))
}

func TestCheckNames(t *testing.T) {
	assert.NoError(t, checkNames("a", "b"))

	err := checkNames("a", "")
	assert.ErrorIs(t, err, ErrEmptyName)
	assert.Contains(t, err.Error(), `""`)
}

func BenchmarkPatternMatch(b *testing.B) {
	for b.Loop() {
		PatternMatch("sensors.*.temp[0-9]", "sensors.building-a.floor-3.temp7")
	}
}

func FuzzPatternMatch(f *testing.F) {
	f.Add("world.*", "world.belarus")
	f.Add("[^a-", "b")
	f.Add(`\`, `\`)

	f.Fuzz(func(t *testing.T, pattern, topic string) {
		assert.NotPanics(t, func() { PatternMatch(pattern, topic) })
		if !IsPattern(pattern) {
			assert.Equal(t, pattern == topic, PatternMatch(pattern, topic))
		}
	})
}
