// Package voice turns interpreted operator utterances into engine calls and
// returns render-ready payloads. It never builds narration itself.
package voice

import (
	"context"
	"strings"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/alerts"
	"github.com/goliatone/go-curd/batch"
)

// Intents understood by the executor.
const (
	IntentStatus         = "status"
	IntentStartBatch     = "start_batch"
	IntentAdvance        = "advance"
	IntentLogPH          = "log_ph"
	IntentLogTemperature = "log_temperature"
	IntentLogTime        = "log_time"
	IntentLogDate        = "log_date"
	IntentLogValue       = "log_value"
	IntentPause          = "pause"
	IntentResume         = "resume"
	IntentInstructions   = "instructions"
	IntentHelp           = "help"
	IntentGoodbye        = "goodbye"
	IntentTimer          = "timer"
	IntentQueryInput     = "query_input"
	IntentUnknown        = "unknown"
)

// Codes that only appear in voice payloads.
const (
	CodeNeedsClarification = "NEEDS_CLARIFICATION"
	CodeInterpreterFailed  = "INTERPRETER_FAILED"
	CodeHandlerPanicked    = "HANDLER_PANICKED"
)

// Interpretation is what the language understanding collaborator made of
// one utterance.
type Interpretation struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
	Text       string            `json:"text,omitempty"`
}

// Entity returns the first non-empty entity among names.
func (i Interpretation) Entity(names ...string) (string, bool) {
	for _, name := range names {
		if v := strings.TrimSpace(i.Entities[name]); v != "" {
			return v, true
		}
	}
	return "", false
}

// Interpreter maps free text to a closed intent set.
type Interpreter interface {
	Interpret(ctx context.Context, text string) (Interpretation, error)
}

// Session is the conversation state the caller keeps between turns.
type Session struct {
	BatchID string
	Alerts  *alerts.Capability
}

// Request is the message every intent handler receives.
type Request struct {
	Session        Session
	Interpretation Interpretation
}

func (r Request) Type() string { return r.Interpretation.Intent }

func (r Request) Validate() error {
	if strings.TrimSpace(r.Interpretation.Intent) == "" {
		return errors.New("intent is required", errors.CategoryValidation).
			WithTextCode(curd.ErrCodeMissingFields)
	}
	return nil
}

// Handler answers one intent.
type Handler = curd.Querier[Request, Payload]

// HandlerFunc adapts a function to Handler.
type HandlerFunc = curd.QueryFunc[Request, Payload]

// StageView is the part of the current stage a renderer needs.
type StageView struct {
	ID                int      `json:"id"`
	Name              string   `json:"name,omitempty"`
	Kind              string   `json:"kind,omitempty"`
	Instructions      []string `json:"instructions,omitempty"`
	RequiredInputs    []string `json:"required_inputs,omitempty"`
	MissingInputs     []string `json:"missing_inputs,omitempty"`
	AllowedUtterances []string `json:"allowed_utterances,omitempty"`
}

// LoggedValue echoes the value written by a log intent.
type LoggedValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Payload is the structured outcome of one turn.
type Payload struct {
	Intent string      `json:"intent"`
	Result curd.Result `json:"result"`

	BatchID string             `json:"batch_id,omitempty"`
	Status  batch.Status       `json:"status,omitempty"`
	Stage   *StageView         `json:"stage,omitempty"`
	Doses   map[string]float64 `json:"doses,omitempty"`
	Timers  []batch.TimerState `json:"timers,omitempty"`
	Due     []batch.Reminder   `json:"due_reminders,omitempty"`
	Logged  *LoggedValue       `json:"logged,omitempty"`

	// Advance is the outcome of the automatic advance after a log intent.
	Advance *curd.Result `json:"advance,omitempty"`

	Advanced              bool     `json:"advanced,omitempty"`
	Completed             bool     `json:"completed,omitempty"`
	AlertScheduled        bool     `json:"alert_scheduled,omitempty"`
	AlertPermissionNeeded bool     `json:"alert_permission_needed,omitempty"`
	NeedsClarification    bool     `json:"needs_clarification,omitempty"`
	EndSession            bool     `json:"end_session,omitempty"`
	Suggestions           []string `json:"suggestions,omitempty"`
}

// Succeeded reports whether the primary action of the turn succeeded.
func (p Payload) Succeeded() bool { return p.Result.Success }
