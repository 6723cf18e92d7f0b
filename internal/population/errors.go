package population

import (
	"errors"
	"fmt"
)

// ErrPending reports a composition whose fetch is still running.
var ErrPending = errors.New("population: fetch pending")

// DirectoryFetchError wraps a failure to load the prefecture list.
type DirectoryFetchError struct {
	Err error
}

// Error implements the error interface.
func (e *DirectoryFetchError) Error() string {
	return fmt.Sprintf("population: load prefectures: %v", e.Err)
}

// Unwrap exposes the underlying error.
func (e *DirectoryFetchError) Unwrap() error { return e.Err }

// CompositionFetchError wraps a failure to fetch one prefecture's composition.
type CompositionFetchError struct {
	Code int
	Err  error
}

// Error implements the error interface.
func (e *CompositionFetchError) Error() string {
	return fmt.Sprintf("population: fetch composition for prefecture %d: %v", e.Code, e.Err)
}

// Unwrap exposes the underlying error.
func (e *CompositionFetchError) Unwrap() error { return e.Err }
