package router

import "strings"

// NewMatcher matches sep separated names against patterns where "*"
// stands for exactly one segment and "#" for zero or more.
func NewMatcher(sep string) func(pattern, name string) bool {
	if sep == "" {
		sep = "_"
	}
	return func(pattern, name string) bool {
		if pattern == name {
			return true
		}
		return matchSegments(strings.Split(pattern, sep), strings.Split(name, sep))
	}
}

func matchSegments(pattern, name []string) bool {
	// prev[j] reports whether the pattern prefix seen so far matches
	// the first j name segments.
	prev := make([]bool, len(name)+1)
	cur := make([]bool, len(name)+1)
	prev[0] = true

	for _, p := range pattern {
		cur[0] = p == "#" && prev[0]
		for j := 1; j <= len(name); j++ {
			switch p {
			case "#":
				cur[j] = prev[j] || cur[j-1]
			case "*":
				cur[j] = prev[j-1]
			default:
				cur[j] = prev[j-1] && p == name[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(name)]
}
