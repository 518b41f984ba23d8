// Package status persists the per-scope migration coordination record.
//
// Every backend writes the version, status code and status message as one
// unit, and CompareAndSet succeeds only while the stored record still equals
// the caller's expected record. That conditional write is the only
// serialization point between processes contending for a scope.
package status

import "context"

// Store is the durable, scope-addressed home of Records.
type Store interface {
	// Read returns the stored record, or the zero Record for a scope that was
	// never written.
	Read(ctx context.Context, scope string) (Record, error)
	// Write stores rec unconditionally. Writes that would lower the version
	// fail with ErrVersionRegression.
	Write(ctx context.Context, scope string, rec Record) error
	// CompareAndSet stores next only if the current record equals expected,
	// otherwise it fails with *ConflictError.
	CompareAndSet(ctx context.Context, scope string, expected, next Record) error
	// Scopes lists every scope with a stored record.
	Scopes(ctx context.Context) ([]string, error)
}
