package curd

import (
	"fmt"
	"testing"

	"github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
)

type probe struct {
	err error
}

func (p probe) Type() string    { return "probe" }
func (p probe) Validate() error { return p.err }

func TestValidateMessage(t *testing.T) {
	var nilProbe *probe
	assert.Equal(t, ErrCodeInvalidMessage, Code(ValidateMessage(nil)))
	assert.Equal(t, ErrCodeInvalidMessage, Code(ValidateMessage(nilProbe)))

	assert.NoError(t, ValidateMessage(probe{}))
	assert.NoError(t, ValidateMessage("not a message"))

	plain := ValidateMessage(probe{err: fmt.Errorf("volume required")})
	assert.Equal(t, ErrCodeInvalidMessage, Code(plain))
	assert.True(t, errors.IsValidation(plain))

	coded := ValidateMessage(probe{err: NewError(ErrMissingFields, "", nil)})
	assert.Equal(t, ErrCodeMissingFields, Code(coded))
}

func TestGetMessageType(t *testing.T) {
	assert.Equal(t, "probe", GetMessageType(probe{}))
}

type batchStarted struct{}

func TestGetMessageTypeFallsBackToTypeName(t *testing.T) {
	assert.Equal(t, "go-curd::batch_started", GetMessageType(batchStarted{}))
	assert.Equal(t, "go-curd::batch_started", GetMessageType(&batchStarted{}))
	assert.Equal(t, "unknown_type", GetMessageType(nil))
	var missing *batchStarted
	assert.Equal(t, "unknown_type", GetMessageType(missing))
}
