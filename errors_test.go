package curd

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorClonesBase(t *testing.T) {
	err := NewError(ErrTimerNotElapsed, "wait 20 more minutes", map[string]any{"remaining_minutes": 20})

	assert.Equal(t, ErrCodeTimerNotElapsed, err.TextCode)
	assert.Equal(t, "wait 20 more minutes", err.Message)
	assert.Equal(t, 20, err.Metadata["remaining_minutes"])
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	assert.Equal(t, "blocking timer still running", ErrTimerNotElapsed.Message)
	assert.Empty(t, ErrTimerNotElapsed.Metadata)
}

func TestNewErrorDefaults(t *testing.T) {
	err := NewError(nil, "  ", nil)
	assert.Equal(t, ErrCodeValidationFailed, err.TextCode)
	assert.Equal(t, ErrValidationFailed.Message, err.Message)
}

func TestWrapErrorKeepsSource(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := WrapError(ErrVersionConflict, "", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeVersionConflict, Code(err))
}

func TestCodeThroughWrapping(t *testing.T) {
	base := NewError(ErrBatchNotFound, "", map[string]any{"batch_id": "b1"})
	wrapped := fmt.Errorf("load: %w", base)

	assert.Equal(t, ErrCodeBatchNotFound, Code(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeBatchNotFound))
	assert.False(t, HasCode(nil, ErrCodeBatchNotFound))
	assert.Equal(t, "b1", Metadata(wrapped)["batch_id"])

	assert.Empty(t, Code(fmt.Errorf("plain")))
	assert.Nil(t, Metadata(fmt.Errorf("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		nil:                              http.StatusOK,
		ErrBatchNotFound:                 http.StatusNotFound,
		ErrMissingFields:                 http.StatusBadRequest,
		ErrInvalidCheeseType:             http.StatusBadRequest,
		ErrCheeseTypeUnavailable:         http.StatusUnprocessableEntity,
		ErrTimerNotElapsed:               http.StatusPreconditionFailed,
		ErrLoopConditionNotMet:           http.StatusPreconditionFailed,
		ErrInvalidStatusTransition:       http.StatusConflict,
		ErrVersionConflict:               http.StatusConflict,
		ErrBlockingTimerMissing:          http.StatusInternalServerError,
		fmt.Errorf("disk on fire"):       http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), "%v", err)
	}
}

func TestResultOf(t *testing.T) {
	ok := ResultOf(nil)
	assert.True(t, ok.Success)

	res := ResultOf(NewError(ErrValidationFailed, "stage heating is missing: temperature", map[string]any{
		"missing_keys": []string{"temperature"},
	}))
	assert.False(t, res.Success)
	assert.Equal(t, ErrCodeValidationFailed, res.Code)
	assert.Equal(t, "stage heating is missing: temperature", res.Message)
	assert.Equal(t, []string{"temperature"}, res.Details["missing_keys"])

	uncoded := ResultOf(errors.New("no code", errors.CategoryExternal))
	assert.Equal(t, string(errors.CategoryExternal), uncoded.Code)

	plain := ResultOf(fmt.Errorf("boom"))
	assert.Equal(t, "INTERNAL", plain.Code)
	assert.Equal(t, "boom", plain.Message)
}

func TestResultOfDetailsAreCopied(t *testing.T) {
	err := NewError(ErrMissingFields, "", map[string]any{"missing_fields": []string{"ph"}})
	res := ResultOf(err)
	res.Details["extra"] = true

	_, leaked := err.Metadata["extra"]
	require.False(t, leaked)
}
