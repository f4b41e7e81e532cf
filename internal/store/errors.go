package store

import "errors"

var (
	// ErrCorrupt marks a database that failed its integrity check or could not
	// be migrated. Open recovers from it by moving the file aside.
	ErrCorrupt = errors.New("station database is corrupt")
)
