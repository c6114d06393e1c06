package device

import "errors"

var (
	// ErrSnapshotNotFound is returned when no snapshot exists for a kind.
	ErrSnapshotNotFound = errors.New("device: snapshot not found")

	// ErrInvalidSnapshot is returned for an empty kind or a payload that is
	// not a JSON object.
	ErrInvalidSnapshot = errors.New("device: invalid snapshot")
)
