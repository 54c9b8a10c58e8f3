package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrExists is returned by Create when the directory already holds an
	// index.
	ErrExists = errors.New("index already exists")

	// ErrNotFound is returned by Open when the directory holds no index.
	ErrNotFound = errors.New("index not found")

	// ErrCorrupt is returned when persisted state exists but cannot be
	// read back.
	ErrCorrupt = errors.New("data corruption detected")

	// ErrLocked is returned when another writer holds the index directory.
	ErrLocked = errors.New("index directory locked")
)

// CommitError reports a failed commit. The previously published segment set
// stays current and all pending documents and deletes are retained, so the
// commit can be retried.
type CommitError struct {
	Cause error
}

func (e *CommitError) Error() string { return fmt.Sprintf("commit: %v", e.Cause) }

func (e *CommitError) Unwrap() error { return e.Cause }

// MergeError reports a failed segment merge. The live segment set is
// unchanged.
type MergeError struct {
	Cause error
}

func (e *MergeError) Error() string { return fmt.Sprintf("merge: %v", e.Cause) }

func (e *MergeError) Unwrap() error { return e.Cause }
