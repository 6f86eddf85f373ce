package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("model configuration error")
	// ErrInvalidInput reports a tensor whose shape the model cannot accept.
	ErrInvalidInput = errors.New("invalid input tensor")
	// ErrClassOutOfRange reports a class index outside the score vector.
	ErrClassOutOfRange = errors.New("class index out of range")
)

// ConfigurationError reports a mismatch between a model and the way it is
// being used: an unknown layer, a layer without spatial output, or an
// output that is not a classification head. Retrying never helps.
type ConfigurationError struct {
	Model  string
	Layer  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("model %q, layer %q: %s", e.Model, e.Layer, e.Reason)
	}
	return fmt.Sprintf("model %q: %s", e.Model, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
