package juniper

import "strings"

// pathStack tracks the enclosing "{ }" blocks of a JunOS configuration.
type pathStack struct {
	segments []string
}

func (s *pathStack) Push(segment string) {
	s.segments = append(s.segments, segment)
}

// Pop removes the innermost segment. Popping an empty stack is a no-op so
// that unbalanced input cannot fail the parse.
func (s *pathStack) Pop() {
	if len(s.segments) > 0 {
		s.segments = s.segments[:len(s.segments)-1]
	}
}

// Path joins every open segment with single spaces.
func (s *pathStack) Path() string {
	return strings.Join(s.segments, " ")
}

func (s *pathStack) Depth() int {
	return len(s.segments)
}

// Within reports whether the current path starts with prefix, compared
// word by word.
func (s *pathStack) Within(prefix ...string) bool {
	words := strings.Fields(s.Path())
	if len(words) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if words[i] != p {
			return false
		}
	}
	return true
}

// After returns the word following prefix in the path, or "".
func (s *pathStack) After(prefix ...string) string {
	if !s.Within(prefix...) {
		return ""
	}
	words := strings.Fields(s.Path())
	if len(words) <= len(prefix) {
		return ""
	}
	return words[len(prefix)]
}
