package episode

import (
	"errors"
	"fmt"
)

// ErrMalformedInput matches every *MalformedInputError via errors.Is.
var ErrMalformedInput = errors.New("malformed episode input")

// MalformedInputError reports a raw record field that could not be interpreted.
type MalformedInputError struct {
	EpisodeID string
	Field     string
	Value     string
	Reason    string
}

func (e *MalformedInputError) Error() string {
	if e.EpisodeID != "" {
		return fmt.Sprintf("episode %s: field %s = %q: %s", e.EpisodeID, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("field %s = %q: %s", e.Field, e.Value, e.Reason)
}

func (e *MalformedInputError) Is(target error) bool {
	return target == ErrMalformedInput
}
