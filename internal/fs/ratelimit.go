package fs

import (
	"context"
	"os"

	"golang.org/x/time/rate"
)

// RateLimited wraps a FileSystem and throttles bytes written through it.
// Background merges run behind this wrapper so they cannot starve foreground
// commits of disk bandwidth. Reads are not limited.
func RateLimited(fsys FileSystem, limiter *rate.Limiter) FileSystem {
	if limiter == nil {
		return fsys
	}
	return &rateLimitedFS{FileSystem: fsys, limiter: limiter}
}

type rateLimitedFS struct {
	FileSystem
	limiter *rate.Limiter
}

func (r *rateLimitedFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := r.FileSystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &rateLimitedFile{File: f, limiter: r.limiter}, nil
}

type rateLimitedFile struct {
	File
	limiter *rate.Limiter
}

func (f *rateLimitedFile) Write(p []byte) (int, error) {
	// WaitN caps n at the limiter burst; consume large writes in chunks.
	remaining := p
	for len(remaining) > 0 {
		n := len(remaining)
		if burst := f.limiter.Burst(); n > burst {
			n = burst
		}
		if err := f.limiter.WaitN(context.Background(), n); err != nil {
			return len(p) - len(remaining), err
		}
		remaining = remaining[n:]
	}
	return f.File.Write(p)
}
