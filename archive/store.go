package archive

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when an archive does not exist.
//
// Implementations should return an error satisfying
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// BlobStore is the storage backend an archive is written to and restored
// from. Implementations must be safe for concurrent use.
type BlobStore interface {
	// Put writes the blob, replacing any previous one of the same name.
	// The write must be atomic: a reader never observes a partial blob.
	Put(ctx context.Context, name string, r io.Reader) error

	// Open opens the blob for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// List returns the names of all blobs with the prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}
