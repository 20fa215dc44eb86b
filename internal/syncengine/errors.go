package syncengine

import "errors"

var (
	// ErrNoSession is returned when a change is submitted without a signed-in user.
	ErrNoSession = errors.New("syncengine: no active session")

	// ErrUnknownRecord is returned for updates and deletes of ids neither
	// stored nor created by a pending change.
	ErrUnknownRecord = errors.New("syncengine: unknown record")
)
