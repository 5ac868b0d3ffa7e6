package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher(t *testing.T) {
	match := NewMatcher("_")

	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"log_ph", "log_ph", true},
		{"log_ph", "log_temperature", false},
		{"log_*", "log_salt", true},
		{"log_*", "log", false},
		{"log_*", "log_whey_ph", false},
		{"log_#", "log", true},
		{"log_#", "log_whey_ph", true},
		{"#", "anything_at_all", true},
		{"*_batch", "start_batch", true},
		{"*_batch", "batch", false},
		{"query_*_input", "query_rennet_input", true},
		{"", "", true},
		{"", "status", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, match(tc.pattern, tc.name), "%q vs %q", tc.pattern, tc.name)
	}
}

func TestMatcherSeparator(t *testing.T) {
	match := NewMatcher(".")
	assert.True(t, match("batch.*.advance", "batch.42.advance"))
	assert.False(t, match("batch.*.advance", "batch_42_advance"))
}
