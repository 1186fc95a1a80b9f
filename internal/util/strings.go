package util

import "strings"

// DefaultString returns fallback if v is empty or whitespace-only.
//
//	DefaultString("hello", "world") → "hello"
//	DefaultString("  ",    "world") → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" for blank strings, used for table cells.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// Tail returns at most the last n elements of lines.
func Tail(lines []string, n int) []string {
	if n <= 0 || len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
