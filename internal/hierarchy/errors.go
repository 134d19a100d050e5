package hierarchy

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched with errors.Is.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrAmbiguousID  = errors.New("ambiguous task id")
)

const (
	maxNotFoundSamples  = 10
	maxAmbiguousSamples = 5
)

// NotFoundError reports an id absent from the record set together with a
// bounded sample of ids that do exist.
type NotFoundError struct {
	ID      string
	Samples []string
}

func (e *NotFoundError) Error() string {
	if len(e.Samples) == 0 {
		return fmt.Sprintf("task %q not found (no tasks loaded)", e.ID)
	}
	return fmt.Sprintf("task %q not found; known ids include: %s", e.ID, strings.Join(e.Samples, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrTaskNotFound }

// AmbiguousIDError reports a prefix shared by several ids.
type AmbiguousIDError struct {
	Prefix     string
	Candidates []string
}

func (e *AmbiguousIDError) Error() string {
	return fmt.Sprintf("task id %q is ambiguous; candidates: %s", e.Prefix, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousIDError) Unwrap() error { return ErrAmbiguousID }
