package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrLocationFailure marks a fault confined to one storage location.
	// It is recoverable: the location is marked failed and the operation
	// continues on the remaining locations.
	ErrLocationFailure = errors.New("storage location failure")

	// ErrStorageFatal is returned when no configured location accepts the
	// version marker. The configuration is unusable and callers must stop
	// before touching image or edits content.
	ErrStorageFatal = errors.New("storage fatal: no location accepted the version marker")

	// ErrNoActiveLocation is returned when a role has no ACTIVE location.
	ErrNoActiveLocation = errors.New("no active storage location")

	// ErrForeignLocation means a location's marker names another namespace.
	ErrForeignLocation = errors.New("storage location belongs to another namespace")
)

// LocationError records why a location was marked failed.
type LocationError struct {
	Root string
	Op   Op
	Err  error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("location %s failed during %s: %v", e.Root, e.Op, e.Err)
}

func (e *LocationError) Unwrap() error { return e.Err }

// Is reports LocationError as an ErrLocationFailure.
func (e *LocationError) Is(target error) bool { return target == ErrLocationFailure }
