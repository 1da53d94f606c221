package pivotview

import (
	"errors"
	"fmt"
)

var (
	// ErrNoQuery is returned by engine operations issued before SetQuery.
	ErrNoQuery = errors.New("pivotview: no query set")
	// ErrUnknownPath is returned when toggling a path whose row is not in
	// any cached branch.
	ErrUnknownPath = errors.New("pivotview: path is not present in a cached branch")
	// ErrUnknownField is returned by SQLService for unregistered fields.
	ErrUnknownField = errors.New("pivotview: unknown field")
	// ErrUnknownAggFunc is returned by SQLService for aggregations it does not support.
	ErrUnknownAggFunc = errors.New("pivotview: unknown aggregation function")
	// ErrUnsupportedFilter is returned by SQLService for filter models other than []*Filter.
	ErrUnsupportedFilter = errors.New("pivotview: unsupported filter model")
)

// EncodingError reports a group value that cannot be serialized into a PathKey.
type EncodingError struct {
	Value any
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("pivotview: failed to encode group value %v: %v", e.Value, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// FetchError reports a failed branch fetch. Root is set when the failed
// fetch was the paginated root, which blocks materialization entirely.
type FetchError struct {
	Path PathKey
	Root bool
	Err  error
}

func (e *FetchError) Error() string {
	if e.Root {
		return fmt.Sprintf("pivotview: failed to fetch root: %v", e.Err)
	}

	return fmt.Sprintf("pivotview: failed to fetch branch %s: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
