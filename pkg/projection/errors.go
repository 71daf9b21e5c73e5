package projection

import (
	"errors"
	"fmt"
)

type (
	// CollectionError is the base error type for all projection.Collection operations.
	CollectionError struct {
		Op  string // Operation that failed
		Err error  // The underlying error, if any
	}

	// ReadOnlyError is returned by any mutating method on the Collection facade.
	// The projection is a view; mutations must go through the source collection.
	ReadOnlyError struct {
		CollectionError
		Method string
	}

	// MissingSourceError is returned when a Collection is constructed without a source.
	MissingSourceError struct {
		CollectionError
	}

	// BadSourceError would be returned when the supplied source does not
	// satisfy the minimal enumerator contract (Reset/MoveNext/Current). In
	// this implementation NewCollection's source parameter is already typed
	// as Source, so the compiler rejects a non-conforming value before any
	// constructor runs; the type is kept for API completeness (see DESIGN.md)
	// but nothing in this package ever constructs one.
	BadSourceError struct {
		CollectionError
	}

	// MissingIDPropertyError is returned when uniqueness or uid extraction is
	// requested but the source item exposes no GetID() and no idProperty was
	// configured.
	MissingIDPropertyError struct {
		CollectionError
		Contents any
	}

	// DestroyedError is returned by NotifyItemChange once the Collection has
	// been destroyed; no other method checks for destruction.
	DestroyedError struct {
		CollectionError
	}
)

// Error implements the error interface.
func (e CollectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error.
func (e CollectionError) Unwrap() error {
	return e.Err
}

func newReadOnlyError(op, method string) *ReadOnlyError {
	return &ReadOnlyError{
		CollectionError: CollectionError{Op: op, Err: fmt.Errorf("%s: projection is read-only, mutate the source collection instead", method)},
		Method:          method,
	}
}

func newMissingSourceError(op string) *MissingSourceError {
	return &MissingSourceError{CollectionError{Op: op, Err: errors.New("no source collection supplied")}}
}

func newMissingIDPropertyError(op string, contents any) *MissingIDPropertyError {
	return &MissingIDPropertyError{
		CollectionError: CollectionError{Op: op, Err: fmt.Errorf("no GetID() capability and no idProperty configured for %#v", contents)},
		Contents:        contents,
	}
}

func newDestroyedError(op string) *DestroyedError {
	return &DestroyedError{CollectionError{Op: op, Err: errors.New("collection has been destroyed")}}
}

// =============================================================================
// Error detection helpers
// =============================================================================

// IsReadOnlyError reports whether err is (or wraps) a ReadOnlyError.
func IsReadOnlyError(err error) bool {
	var e *ReadOnlyError
	return errors.As(err, &e)
}

// IsMissingSourceError reports whether err is (or wraps) a MissingSourceError.
func IsMissingSourceError(err error) bool {
	var e *MissingSourceError
	return errors.As(err, &e)
}

// IsBadSourceError reports whether err is (or wraps) a BadSourceError.
func IsBadSourceError(err error) bool {
	var e *BadSourceError
	return errors.As(err, &e)
}

// IsMissingIDPropertyError reports whether err is (or wraps) a MissingIDPropertyError.
func IsMissingIDPropertyError(err error) bool {
	var e *MissingIDPropertyError
	return errors.As(err, &e)
}

// IsDestroyedError reports whether err is (or wraps) a DestroyedError.
func IsDestroyedError(err error) bool {
	var e *DestroyedError
	return errors.As(err, &e)
}

// =============================================================================
// Error extraction helpers
// =============================================================================

// AsReadOnlyError extracts a ReadOnlyError from the error chain.
func AsReadOnlyError(err error) (*ReadOnlyError, bool) {
	var e *ReadOnlyError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsMissingIDPropertyError extracts a MissingIDPropertyError from the error chain.
func AsMissingIDPropertyError(err error) (*MissingIDPropertyError, bool) {
	var e *MissingIDPropertyError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var errReentrantMutation = errors.New("source was mutated re-entrantly from inside a change listener")
