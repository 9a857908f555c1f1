package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by storage, ingestion and queries.
var (
	// ErrNotFound is returned when a lookup target is absent.
	ErrNotFound = errors.New("not found")

	// ErrDanglingReference is matched by DanglingReferenceError.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrInvalidArgument marks malformed input or query parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBackendUnavailable is returned when a durable store cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// InvalidArgumentf returns an error wrapping ErrInvalidArgument.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NotFoundf returns an error wrapping ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// DanglingReferenceError is returned when an edge endpoint is not in the graph.
type DanglingReferenceError struct {
	Edge    EdgeKey
	Missing []string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("edge %s references missing node(s) %s", e.Edge, strings.Join(e.Missing, ", "))
}

// Is makes errors.Is(err, ErrDanglingReference) match.
func (e *DanglingReferenceError) Is(target error) bool {
	return target == ErrDanglingReference
}
