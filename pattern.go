package emq

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrEmptyName      = errors.New("name cannot be empty")
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidPattern = errors.New("invalid pattern")
)

const maxNameLength = 255

// ValidateName checks a queue, route, channel, user or topic name.
// Names are non-empty UTF-8 strings without NUL bytes, at most 255 bytes long.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > maxNameLength || !utf8.ValidString(name) {
		return ErrInvalidName
	}
	for i := range len(name) {
		if name[i] == 0 {
			return ErrInvalidName
		}
	}
	return nil
}

// ValidatePattern checks a glob pattern: it must be a valid name, every
// character class must be closed and it must not end in an escape.
func ValidatePattern(pattern string) error {
	if err := ValidateName(pattern); err != nil {
		return err
	}
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i == len(pattern)-1 {
				return ErrInvalidPattern
			}
			i++
		case '[':
			end := classEnd(pattern, i+1)
			if end < 0 {
				return ErrInvalidPattern
			}
			i = end
		}
	}
	return nil
}

// IsPattern reports whether s contains glob metacharacters.
func IsPattern(s string) bool {
	for i := range len(s) {
		switch s[i] {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}

// PatternMatch reports whether topic matches the glob pattern.
//
// Supported syntax:
//
//	?       any single character
//	*       any sequence of characters, including '.'
//	[abc]   one character from the set
//	[a-z]   one character from the range
//	[^abc]  one character not in the set
//	\x      the literal character x
//
// The whole topic must match. Matching is byte-oriented.
func PatternMatch(pattern, topic string) bool {
	p, t := 0, 0
	// backtrack positions for the most recent '*'
	starP, starT := -1, 0

	for t < len(topic) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starT = p, t
				p++
				continue
			case '?':
				p++
				t++
				continue
			case '[':
				end := classEnd(pattern, p+1)
				if end > 0 && matchClass(pattern[p+1:end], topic[t]) {
					p = end + 1
					t++
					continue
				}
				if end < 0 && topic[t] == '[' {
					// unterminated class matches a literal '['
					p++
					t++
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == topic[t] {
					p += 2
					t++
					continue
				}
			default:
				if pattern[p] == topic[t] {
					p++
					t++
					continue
				}
			}
		}

		if starP < 0 {
			return false
		}
		// let the last '*' absorb one more character
		starT++
		p, t = starP+1, starT
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// classEnd returns the index of the ']' closing a class that starts at i,
// or -1 when the class is unterminated.
func classEnd(pattern string, i int) int {
	if i < len(pattern) && pattern[i] == '^' {
		i++
	}
	// a leading ']' is a literal member
	if i < len(pattern) && pattern[i] == ']' {
		i++
	}
	for ; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case ']':
			return i
		}
	}
	return -1
}

// matchClass matches c against the class body (without the brackets).
func matchClass(class string, c byte) bool {
	negate := false
	if len(class) > 0 && class[0] == '^' {
		negate = true
		class = class[1:]
	}

	matched := false
	for i := 0; i < len(class); i++ {
		lo := class[i]
		if lo == '\\' && i+1 < len(class) {
			i++
			lo = class[i]
		}
		hi := lo
		if i+2 < len(class) && class[i+1] == '-' {
			hi = class[i+2]
			if hi == '\\' && i+3 < len(class) {
				hi = class[i+3]
				i++
			}
			i += 2
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if c >= lo && c <= hi {
			matched = true
			break
		}
	}

	return matched != negate
}

// checkNames validates every name and reports the first invalid one.
func checkNames(names ...string) error {
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			return fmt.Errorf("%q: %w", name, err)
		}
	}
	return nil
}
