// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using the standard os package
//   - [FaultyFS]: Test utility for fault injection (simulate I/O errors)
//
// All durable writes in the engine go through [WriteAtomic] or the segment
// writer's temp-then-rename path, so a FaultyFS rule on the right filename is
// enough to exercise any flush or commit failure branch.
//
// This package intentionally does NOT include context.Context parameters.
// Local filesystem operations are fast and non-interruptible at the syscall
// level; adding context would add overhead without real cancellation.
package fs
