package curd

import (
	"reflect"

	"github.com/goliatone/go-errors"
)

// Message is the interface command and query messages must implement
type Message interface {
	Type() string
	Validate() error
}

func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr {
		return false
	}

	return v.IsNil()
}

// ValidateMessage rejects nil messages and runs Validate when msg
// implements Message. Errors already carrying a text code pass through.
func ValidateMessage(msg any) error {
	if IsNilMessage(msg) {
		return errors.New("nil message pointer", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidMessage)
	}

	m, ok := msg.(Message)
	if !ok {
		return nil
	}
	err := m.Validate()
	if err == nil {
		return nil
	}
	if Code(err) != "" {
		return err
	}
	return errors.Wrap(err, errors.CategoryValidation, "message validation failed").
		WithTextCode(ErrCodeInvalidMessage)
}
