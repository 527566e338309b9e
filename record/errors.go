package record

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRange is returned when a query window does not satisfy start < end
	ErrInvalidRange = errors.New("invalid time range")

	// ErrNoData is returned by extractors given an empty record list
	ErrNoData = errors.New("no data to process")

	// ErrStoreUnavailable marks failures of the record store transport
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrUnexpectedValue is returned for values outside a known enumeration or shape
	ErrUnexpectedValue = errors.New("unexpected value")
)

// StoreError wraps a record store failure with the operation that caused it
type StoreError struct {
	Op         string
	Base       string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("error running %s on %s: %v", e.Op, e.Base, e.Err)
	}
	return fmt.Sprintf("error running %s on %s/%s: %v", e.Op, e.Base, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports every StoreError as ErrStoreUnavailable
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// CheckRange validates that start lies strictly before end
func CheckRange(start, end time.Time) error {
	if !start.Before(end) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidRange,
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return nil
}
