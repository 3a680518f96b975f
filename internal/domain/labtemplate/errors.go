package labtemplate

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailure marks any failure of the template repository. It is the
	// only error kind the store produces.
	ErrFetchFailure = errors.New("template fetch failed")

	// ErrNotFound is returned by repositories when a single template is missing.
	ErrNotFound = errors.New("template not found")

	// ErrUnknownFilterField is returned by SetFilter for a field outside the FilterSet.
	ErrUnknownFilterField = errors.New("unknown filter field")
)

// FetchError wraps a repository error with the store operation that issued it.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailure, e.Err}
}
