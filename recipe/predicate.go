package recipe

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operator is a comparison used by loop predicates.
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpEQ Operator = "=="
)

// Predicate is a comparison of one measurement against a threshold, eg
// "ph <= 5.3". Key is canonical and is resolved through the stage aliases
// before lookup.
type Predicate struct {
	Key       string   `json:"key"`
	Op        Operator `json:"op"`
	Threshold float64  `json:"threshold"`
}

// longest operators first so "<=" is not read as "<"
var operators = []Operator{OpLE, OpGE, OpEQ, OpLT, OpGT}

// ParsePredicate reads "<key> <op> <number>".
func ParsePredicate(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty predicate")
	}
	for _, op := range operators {
		idx := strings.Index(expr, string(op))
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(expr[:idx])
		raw := strings.TrimSpace(expr[idx+len(op):])
		if key == "" {
			return nil, fmt.Errorf("predicate %q: missing key", expr)
		}
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("predicate %q: threshold: %w", expr, err)
		}
		return &Predicate{Key: key, Op: op, Threshold: threshold}, nil
	}
	return nil, fmt.Errorf("predicate %q: no comparison operator", expr)
}

// Evaluate applies the comparison to value.
func (p Predicate) Evaluate(value float64) bool {
	switch p.Op {
	case OpLT:
		return value < p.Threshold
	case OpLE:
		return value <= p.Threshold
	case OpGT:
		return value > p.Threshold
	case OpGE:
		return value >= p.Threshold
	case OpEQ:
		return value == p.Threshold
	default:
		return false
	}
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %s", p.Key, p.Op, strconv.FormatFloat(p.Threshold, 'f', -1, 64))
}

// UnmarshalYAML accepts the expression form.
func (p *Predicate) UnmarshalYAML(node *yaml.Node) error {
	var expr string
	if err := node.Decode(&expr); err != nil {
		return err
	}
	parsed, err := ParsePredicate(expr)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// MarshalYAML writes the expression form.
func (p Predicate) MarshalYAML() (any, error) {
	return p.String(), nil
}
