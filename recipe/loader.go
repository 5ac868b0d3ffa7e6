package recipe

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse reads a YAML (or JSON) recipe and validates it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile parses the recipe stored at path.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}
	return def, nil
}

// MustParse panics on an invalid recipe. Use it for definitions compiled
// into the binary where a bad recipe is a startup bug.
func MustParse(data []byte) *Definition {
	def, err := Parse(data)
	if err != nil {
		panic(fmt.Sprintf("recipe: %v", err))
	}
	return def
}

// Validate checks the structural invariants the engine relies on.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("recipe %s requires stages", d.ID)
	}

	working := 0
	seenWorking := false
	for idx, st := range d.Stages {
		if st.ID != idx+1 {
			return fmt.Errorf("stage[%d]: id %d breaks contiguous numbering from 1", idx, st.ID)
		}
		if err := st.Validate(); err != nil {
			return fmt.Errorf("stage %d: %w", st.ID, err)
		}
		last := idx == len(d.Stages)-1
		if last != st.IsTerminal() {
			if last {
				return fmt.Errorf("stage %d: last stage must be terminal", st.ID)
			}
			return fmt.Errorf("stage %d: only the last stage may be terminal", st.ID)
		}
		if st.AutoComplete && seenWorking {
			return fmt.Errorf("stage %d: auto_complete stages must precede working stages", st.ID)
		}
		if !st.AutoComplete {
			seenWorking = true
			working++
		}
	}
	if working == 0 {
		return fmt.Errorf("recipe %s has no working stage", d.ID)
	}

	for name, rule := range d.Inputs {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("input %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks a single stage declaration.
func (s Stage) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch s.Kind {
	case KindSequential, KindTerminal:
		if s.LoopCondition != nil {
			return fmt.Errorf("loop_condition only allowed on loop stages")
		}
	case KindLoop:
		if s.LoopCondition == nil {
			return fmt.Errorf("loop stage requires loop_condition")
		}
		if s.MaxLoopDuration <= 0 {
			return fmt.Errorf("loop stage requires max_loop_duration")
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	if s.Timer != nil && s.Timer.Duration <= 0 {
		return fmt.Errorf("timer duration must be positive")
	}
	if s.Reminder != nil && s.Reminder.Interval <= 0 {
		return fmt.Errorf("reminder interval must be positive")
	}
	for _, key := range s.RequiredInputs {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("required_inputs contains an empty key")
		}
	}
	return nil
}

// Validate checks a dosing rule.
func (r DosingRule) Validate() error {
	if r.Mode != DosingModePerNLiters {
		return fmt.Errorf("unsupported dosing mode %q", r.Mode)
	}
	if r.Divisor <= 0 {
		return fmt.Errorf("divisor must be positive")
	}
	if r.Value < 0 {
		return fmt.Errorf("value must not be negative")
	}
	return nil
}
