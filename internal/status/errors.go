package status

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionRegression is returned by writes that would lower the stored version.
	ErrVersionRegression = errors.New("status version must not decrease")
	// ErrInvalidRecord is returned for records with a negative version or an empty scope.
	ErrInvalidRecord = errors.New("invalid status record")
)

// ConflictError reports a compare-and-set that lost a race. Actual holds
// the record the store held when the write was rejected; callers re-read
// before retrying.
type ConflictError struct {
	Scope    string
	Expected Record
	Actual   Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("status conflict for scope %q: expected %s, found %s", e.Scope, e.Expected, e.Actual)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func validate(scope string, next Record) error {
	if scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidRecord)
	}
	if next.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidRecord, next.Version)
	}
	return nil
}

func checkAdvance(scope string, current, next Record) error {
	if next.Version < current.Version {
		return fmt.Errorf("%w: scope %q from %d to %d", ErrVersionRegression, scope, current.Version, next.Version)
	}
	return nil
}
