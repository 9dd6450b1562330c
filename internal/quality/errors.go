package quality

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownClass is wrapped by ConfigError for an unrecognised stage class.
	ErrUnknownClass = errors.New("unknown stage class")
	// ErrMissingMetadata is wrapped by ConfigError when a scene lacks the
	// metadata key a scene_measure stage ranks by.
	ErrMissingMetadata = errors.New("missing metadata")
)

// ConfigError is a fatal chain configuration problem. It names the stage by
// position and class, and the offending field.
type ConfigError struct {
	Index  int
	Class  Class
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("compositors[%d]", e.Index)
	if e.Class != "" {
		msg += " (" + string(e.Class) + ")"
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	msg += ": " + e.Reason
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(index int, class Class, field, format string, args ...any) *ConfigError {
	return &ConfigError{Index: index, Class: class, Field: field, Reason: fmt.Sprintf(format, args...)}
}
