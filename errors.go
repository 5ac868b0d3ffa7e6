package curd

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeBatchNotFound           = "BATCH_NOT_FOUND"
	ErrCodeInvalidStage            = "INVALID_STAGE"
	ErrCodeMissingFields           = "MISSING_FIELDS"
	ErrCodeInvalidCheeseType       = "INVALID_CHEESE_TYPE"
	ErrCodeCheeseTypeUnavailable   = "CHEESE_TYPE_UNAVAILABLE"
	ErrCodeMissingReason           = "MISSING_REASON"
	ErrCodeValidationFailed        = "VALIDATION_FAILED"
	ErrCodeTimerNotElapsed         = "TIMER_NOT_ELAPSED"
	ErrCodeLoopConditionNotMet     = "LOOP_CONDITION_NOT_MET"
	ErrCodeBlockingTimerMissing    = "BLOCKING_TIMER_MISSING"
	ErrCodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	ErrCodeVersionConflict         = "VERSION_CONFLICT"
	ErrCodeInvalidMessage          = "INVALID_MESSAGE"
)

var (
	ErrBatchNotFound = errors.New("batch not found", errors.CategoryNotFound).
				WithTextCode(ErrCodeBatchNotFound)
	ErrInvalidStage = errors.New("stage does not exist in recipe", errors.CategoryNotFound).
			WithTextCode(ErrCodeInvalidStage)
	ErrMissingFields = errors.New("required fields missing", errors.CategoryValidation).
				WithTextCode(ErrCodeMissingFields)
	ErrInvalidCheeseType = errors.New("unknown cheese type", errors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidCheeseType)
	ErrCheeseTypeUnavailable = errors.New("cheese type not available", errors.CategoryBadInput).
					WithTextCode(ErrCodeCheeseTypeUnavailable)
	ErrMissingReason = errors.New("reason is required", errors.CategoryValidation).
				WithTextCode(ErrCodeMissingReason)
	ErrValidationFailed = errors.New("required inputs missing", errors.CategoryValidation).
				WithTextCode(ErrCodeValidationFailed)
	ErrTimerNotElapsed = errors.New("blocking timer still running", errors.CategoryConflict).
				WithTextCode(ErrCodeTimerNotElapsed)
	ErrLoopConditionNotMet = errors.New("loop exit condition not met", errors.CategoryConflict).
				WithTextCode(ErrCodeLoopConditionNotMet)
	ErrBlockingTimerMissing = errors.New("blocking timer missing for stage", errors.CategoryInternal).
				WithTextCode(ErrCodeBlockingTimerMissing).
				WithSeverity(errors.SeverityCritical)
	ErrInvalidStatusTransition = errors.New("invalid status transition", errors.CategoryConflict).
					WithTextCode(ErrCodeInvalidStatusTransition)
	ErrVersionConflict = errors.New("batch was modified concurrently", errors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
)

// NewError clones base with a specific message and metadata. An empty
// message keeps the base message.
func NewError(base *errors.Error, message string, metadata map[string]any) *errors.Error {
	if base == nil {
		base = ErrValidationFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// WrapError clones base and records source as the cause.
func WrapError(base *errors.Error, message string, source error) *errors.Error {
	err := NewError(base, message, nil)
	if source != nil {
		err.Source = source
	}
	return err
}

// Code returns the stable text code carried by err, or "" when err is not
// one of ours.
func Code(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && Code(err) == code
}

// Metadata returns the metadata attached to err, if any.
func Metadata(err error) map[string]any {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.Metadata
	}
	return nil
}

// HTTPStatus maps an engine error to a transport status for API callers.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch Code(err) {
	case ErrCodeBatchNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidStage, ErrCodeBlockingTimerMissing:
		return http.StatusInternalServerError
	case ErrCodeMissingFields, ErrCodeInvalidCheeseType, ErrCodeMissingReason,
		ErrCodeValidationFailed, ErrCodeInvalidMessage:
		return http.StatusBadRequest
	case ErrCodeCheeseTypeUnavailable:
		return http.StatusUnprocessableEntity
	case ErrCodeTimerNotElapsed, ErrCodeLoopConditionNotMet:
		return http.StatusPreconditionFailed
	case ErrCodeInvalidStatusTransition, ErrCodeVersionConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
