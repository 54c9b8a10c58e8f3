package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// Fault defines failure behavior for files whose path matches a rule.
type Fault struct {
	// FailAfterBytes fails writes once this many bytes were written to the
	// file. Negative disables the limit.
	FailAfterBytes int64
	// FailOnSync fails the Sync call.
	FailOnSync bool
	// Err overrides ErrInjected when set.
	Err error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS wraps a FileSystem and injects errors into matching operations.
// It exists for tests that exercise flush/commit failure handling.
type FaultyFS struct {
	FS FileSystem

	mu          sync.Mutex
	rules       map[string]Fault
	renameFault map[string]error
}

// NewFaultyFS creates a FaultyFS wrapping fsys (or Default when nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{
		FS:          fsys,
		rules:       make(map[string]Fault),
		renameFault: make(map[string]error),
	}
}

// AddRule injects the fault into every file whose path contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// FailRename makes Rename fail for destination paths containing pattern.
func (f *FaultyFS) FailRename(pattern string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	f.renameFault[pattern] = err
}

// Clear removes all fault rules.
func (f *FaultyFS) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]Fault)
	f.renameFault = make(map[string]error)
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fault := Fault{FailAfterBytes: -1}
	matched := false
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
			matched = true
		}
	}
	f.mu.Unlock()

	if !matched {
		return file, nil
	}
	return &faultyFile{File: file, fault: fault}, nil
}

func (f *FaultyFS) Remove(name string) error { return f.FS.Remove(name) }

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	for pattern, err := range f.renameFault {
		if strings.Contains(newpath, pattern) {
			f.mu.Unlock()
			return err
		}
	}
	f.mu.Unlock()
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.FS.Stat(name) }
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }

type faultyFile struct {
	File
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if ff.fault.FailAfterBytes >= 0 && ff.written+int64(len(p)) > ff.fault.FailAfterBytes {
		return 0, ff.fault.err()
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.err()
	}
	return ff.File.Sync()
}
