package lexgo

import (
	"errors"
	"fmt"

	"github.com/casedata-io/lexgo/internal/engine"
	"github.com/casedata-io/lexgo/query"
	"github.com/casedata-io/lexgo/schema"
)

var (
	// ErrIndexExists is returned by Create when the target directory
	// already holds an index.
	ErrIndexExists = errors.New("index already exists")

	// ErrIndexNotFound is returned by Open when the target directory
	// does not hold an index.
	ErrIndexNotFound = errors.New("index not found")

	// ErrCorrupt indicates persisted state that exists but cannot be
	// read back (bad checksum, truncated file, unparsable manifest).
	ErrCorrupt = errors.New("index corrupt")

	// ErrClosed is returned by every operation on a closed index.
	ErrClosed = errors.New("index closed")

	// ErrInvalidQuery unifies all query DSL rejections. Use errors.Is
	// against this and errors.As against *query.ParseError for detail.
	ErrInvalidQuery = query.ErrInvalid

	// ErrLocked is returned when another writer holds the index directory.
	ErrLocked = errors.New("index locked by another writer")
)

// SchemaError reports an invalid schema definition.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type SchemaError struct {
	Reason string
	cause  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid schema: %s", e.Reason)
}

func (e *SchemaError) Unwrap() error { return e.cause }

// DocumentError reports a document that violates the index schema.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type DocumentError struct {
	Field  string
	Reason string
	cause  error
}

func (e *DocumentError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid document: %s", e.Reason)
	}
	return fmt.Sprintf("invalid document: field %q: %s", e.Field, e.Reason)
}

func (e *DocumentError) Unwrap() error { return e.cause }

// CommitError reports a failed commit. The previous segment set remains
// current and the write buffer is retained, so the commit may be retried.
//
// The original underlying error can be accessed via errors.Unwrap.
type CommitError struct {
	cause error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed: %v", e.cause)
}

func (e *CommitError) Unwrap() error { return e.cause }

// MergeError reports a failed segment merge. The live segment set is
// unchanged.
//
// The original underlying error can be accessed via errors.Unwrap.
type MergeError struct {
	cause error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed: %v", e.cause)
}

func (e *MergeError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, engine.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if errors.Is(err, engine.ErrExists) {
		return fmt.Errorf("%w: %w", ErrIndexExists, err)
	}
	if errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrIndexNotFound, err)
	}
	if errors.Is(err, engine.ErrCorrupt) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if errors.Is(err, engine.ErrLocked) {
		return fmt.Errorf("%w: %w", ErrLocked, err)
	}

	var ce *engine.CommitError
	if errors.As(err, &ce) {
		return &CommitError{cause: err}
	}
	var me *engine.MergeError
	if errors.As(err, &me) {
		return &MergeError{cause: err}
	}

	var se *schema.Error
	if errors.As(err, &se) {
		return &SchemaError{Reason: se.Reason, cause: err}
	}
	var de *schema.DocumentError
	if errors.As(err, &de) {
		return &DocumentError{Field: de.Field, Reason: de.Reason, cause: err}
	}

	return err
}
