package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParsePredicate(t *testing.T) {
	p, err := ParsePredicate("ph <= 5.3")
	require.NoError(t, err)
	assert.Equal(t, Predicate{Key: "ph", Op: OpLE, Threshold: 5.3}, *p)

	p, err = ParsePredicate("weight>=12")
	require.NoError(t, err)
	assert.Equal(t, OpGE, p.Op)
	assert.Equal(t, "weight", p.Key)

	for _, bad := range []string{"", "ph", "<= 5", "ph <= low"} {
		_, err := ParsePredicate(bad)
		assert.Error(t, err, bad)
	}
}

func TestPredicateEvaluate(t *testing.T) {
	cases := []struct {
		op    Operator
		value float64
		want  bool
	}{
		{OpLE, 5.3, true},
		{OpLE, 5.4, false},
		{OpLT, 5.3, false},
		{OpGT, 5.4, true},
		{OpGE, 5.3, true},
		{OpEQ, 5.3, true},
		{Operator("~"), 5.3, false},
	}
	for _, tc := range cases {
		p := Predicate{Key: "ph", Op: tc.op, Threshold: 5.3}
		assert.Equal(t, tc.want, p.Evaluate(tc.value), "%s %v", tc.op, tc.value)
	}
}

func TestPredicateYAMLRoundTrip(t *testing.T) {
	var out struct {
		Cond *Predicate `yaml:"cond"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(`cond: "ph < 5.1"`), &out))
	require.NotNil(t, out.Cond)
	assert.Equal(t, "ph < 5.1", out.Cond.String())

	data, err := yaml.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ph < 5.1")
}
