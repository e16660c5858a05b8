package ioclass

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID         = errors.New("duplicate io class id")
	ErrMissingUnclassified = errors.New("unclassified io class (id 0) is missing")
	ErrInvalidField        = errors.New("invalid field")
	ErrEmptyConfig         = errors.New("io class config is empty")
)

// ConfigError describes the first offending entry of a rejected class table.
// Index is the position of the entry in the input, or -1 when the error
// concerns the table as a whole.
type ConfigError struct {
	Index   int
	ClassID uint32
	Field   string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("io class config: %v", e.Err)
	}
	if e.Field != "" {
		return fmt.Sprintf("io class config: entry %d (class %d) %s: %v", e.Index, e.ClassID, e.Field, e.Err)
	}
	return fmt.Sprintf("io class config: entry %d (class %d): %v", e.Index, e.ClassID, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
