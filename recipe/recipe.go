package recipe

import (
	"math"
	"sort"
	"time"
)

// Kind classifies how a stage is left.
type Kind string

const (
	KindSequential Kind = "sequential"
	KindLoop       Kind = "loop"
	KindTerminal   Kind = "terminal"
)

// DosingModePerNLiters scales Value by volume/Divisor.
const DosingModePerNLiters = "per_n_liters"

// Definition is an immutable recipe: an ordered stage sequence and a
// dosing table. Build it once with Parse or LoadFile and share the pointer.
type Definition struct {
	ID          string                `yaml:"id" json:"id"`
	Name        string                `yaml:"name" json:"name"`
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Stages      []Stage               `yaml:"stages" json:"stages"`
	Inputs      map[string]DosingRule `yaml:"inputs" json:"inputs"`
	Description string                `yaml:"description,omitempty" json:"description,omitempty"`
}

// Stage is one ordered step of a recipe.
type Stage struct {
	ID                int               `yaml:"id" json:"id"`
	Name              string            `yaml:"name" json:"name"`
	Kind              Kind              `yaml:"kind" json:"kind"`
	RequiredInputs    []string          `yaml:"required_inputs,omitempty" json:"required_inputs,omitempty"`
	KeyAliases        map[string]string `yaml:"key_aliases,omitempty" json:"key_aliases,omitempty"`
	Timer             *TimerSpec        `yaml:"timer,omitempty" json:"timer,omitempty"`
	Reminder          *ReminderSpec     `yaml:"reminder,omitempty" json:"reminder,omitempty"`
	LoopCondition     *Predicate        `yaml:"loop_condition,omitempty" json:"loop_condition,omitempty"`
	MaxLoopDuration   time.Duration     `yaml:"max_loop_duration,omitempty" json:"max_loop_duration,omitempty"`
	Instructions      []string          `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	AutoComplete      bool              `yaml:"auto_complete,omitempty" json:"auto_complete,omitempty"`
	MaturationDate    bool              `yaml:"maturation_date,omitempty" json:"maturation_date,omitempty"`
	AllowedUtterances []string          `yaml:"allowed_utterances,omitempty" json:"allowed_utterances,omitempty"`
}

// TimerSpec declares a wait period started when the stage is entered.
type TimerSpec struct {
	Duration         time.Duration `yaml:"duration" json:"duration"`
	Blocking         bool          `yaml:"blocking" json:"blocking"`
	Description      string        `yaml:"description,omitempty" json:"description,omitempty"`
	ReminderInterval time.Duration `yaml:"reminder_interval,omitempty" json:"reminder_interval,omitempty"`
}

// ReminderSpec declares a recurring check-in nudge for the stage.
type ReminderSpec struct {
	Kind        string        `yaml:"kind" json:"kind"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// DosingRule converts declared volume into an ingredient quantity.
type DosingRule struct {
	Mode    string  `yaml:"mode" json:"mode"`
	Divisor float64 `yaml:"divisor" json:"divisor"`
	Value   float64 `yaml:"value" json:"value"`
	Unit    string  `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// Stage returns the stage with the given id.
func (d *Definition) Stage(id int) (Stage, bool) {
	if d == nil || id < 1 || id > len(d.Stages) {
		return Stage{}, false
	}
	return d.Stages[id-1], true
}

// NextStage returns the successor of id; false at the terminal stage.
func (d *Definition) NextStage(id int) (Stage, bool) {
	if _, ok := d.Stage(id); !ok {
		return Stage{}, false
	}
	return d.Stage(id + 1)
}

// FirstWorkingStage is the first stage that is not auto-completed at
// batch start.
func (d *Definition) FirstWorkingStage() (Stage, bool) {
	if d == nil {
		return Stage{}, false
	}
	for _, st := range d.Stages {
		if !st.AutoComplete {
			return st, true
		}
	}
	return Stage{}, false
}

// AutoCompleteStages lists the synthetic preparatory stages in order.
func (d *Definition) AutoCompleteStages() []Stage {
	if d == nil {
		return nil
	}
	var out []Stage
	for _, st := range d.Stages {
		if !st.AutoComplete {
			break
		}
		out = append(out, st)
	}
	return out
}

// LastStageID is the id of the terminal stage.
func (d *Definition) LastStageID() int {
	if d == nil {
		return 0
	}
	return len(d.Stages)
}

// CalculateInputs scales every dosing rule to volume liters, rounded to
// two decimals.
func (d *Definition) CalculateInputs(volume float64) map[string]float64 {
	out := make(map[string]float64, len(d.Inputs))
	for name, rule := range d.Inputs {
		out[name] = rule.Quantity(volume)
	}
	return out
}

// InputNames returns the dosing table keys sorted.
func (d *Definition) InputNames() []string {
	names := make([]string, 0, len(d.Inputs))
	for name := range d.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Quantity applies the rule to volume.
func (r DosingRule) Quantity(volume float64) float64 {
	if r.Divisor == 0 {
		return 0
	}
	return Round(volume/r.Divisor*r.Value, 2)
}

// StoredKey resolves a canonical input key to the key this stage stores
// it under.
func (s Stage) StoredKey(canonical string) string {
	if alias, ok := s.KeyAliases[canonical]; ok && alias != "" {
		return alias
	}
	return canonical
}

// IsLoop reports whether the stage repeats until its exit condition holds.
func (s Stage) IsLoop() bool { return s.Kind == KindLoop }

// IsTerminal reports whether the stage has no successor.
func (s Stage) IsTerminal() bool { return s.Kind == KindTerminal }

// ReminderInterval returns the recurring interval declared by the stage
// reminder or, failing that, by its timer.
func (s Stage) ReminderInterval() time.Duration {
	if s.Reminder != nil && s.Reminder.Interval > 0 {
		return s.Reminder.Interval
	}
	if s.Timer != nil && s.Timer.ReminderInterval > 0 {
		return s.Timer.ReminderInterval
	}
	return 0
}

// Round rounds v half away from zero to places decimals.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
