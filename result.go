package curd

import (
	stderrors "errors"
	"maps"

	"github.com/goliatone/go-errors"
)

// Result is the transport neutral outcome of an engine operation. API and
// voice callers translate it into their own representation.
type Result struct {
	Success bool           `json:"success"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// OK builds a successful result with optional details.
func OK(details map[string]any) Result {
	return Result{Success: true, Details: details}
}

// ResultOf folds err into a Result. A nil error is a success.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}

	var ge *errors.Error
	if stderrors.As(err, &ge) {
		res := Result{
			Code:    ge.TextCode,
			Message: ge.Message,
		}
		if len(ge.Metadata) > 0 {
			res.Details = maps.Clone(ge.Metadata)
		}
		if res.Code == "" {
			res.Code = string(ge.Category)
		}
		return res
	}

	return Result{Code: "INTERNAL", Message: err.Error()}
}
