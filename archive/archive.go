// Package archive copies an index's last committed state to a BlobStore and
// restores it elsewhere: a one-shot backup, not replication. Archives are
// tar streams compressed with zstd holding the schema, the current manifest,
// the CURRENT pointer, and every segment the manifest references.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/fs"
	"github.com/casedata-io/lexgo/internal/manifest"
	"github.com/casedata-io/lexgo/internal/segment"
)

const schemaFileName = "schema.json"

// Write archives the last committed state of the index at dir into the
// store under the given name. Only committed state is captured; buffered
// documents are not. The index should be quiesced (no concurrent merges)
// while archiving, otherwise a pruned segment can fail the read mid-stream.
func Write(ctx context.Context, store BlobStore, name, dir string) error {
	man, err := manifest.NewStore(fs.Default, dir, codec.Default).Load()
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return fmt.Errorf("no index at %s: %w", dir, ErrNotFound)
		}
		return err
	}

	files := []string{schemaFileName, manifest.Filename(man.Seq), manifest.CurrentFileName}
	for _, info := range man.Segments {
		files = append(files, segment.Filename(info.ID))
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, dir, files))
	}()

	if err := store.Put(ctx, name, pr); err != nil {
		_ = pr.CloseWithError(err)
		return err
	}
	return nil
}

func writeTar(w io.Writer, dir string, files []string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	for _, name := range files {
		if err := addFile(tw, dir, name); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

func addFile(tw *tar.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    st.Size(),
		ModTime: st.ModTime().UTC().Truncate(time.Second),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Restore extracts the named archive into dir, which must not already hold
// an index. The restored directory opens like the original.
func Restore(ctx context.Context, store BlobStore, name, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, manifest.CurrentFileName)); err == nil {
		return fmt.Errorf("restore target %s already holds an index", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rc, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := extractFile(tr, dir, hdr); err != nil {
			return fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
	}
	return fs.SyncDir(fs.Default, dir)
}

func extractFile(tr *tar.Reader, dir string, hdr *tar.Header) error {
	// Entries are always flat file names; anything else is a malformed or
	// hostile archive.
	if strings.ContainsAny(hdr.Name, `/\`) || strings.Contains(hdr.Name, "..") {
		return fmt.Errorf("unsafe entry name %q", hdr.Name)
	}

	f, err := os.OpenFile(filepath.Join(dir, hdr.Name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, tr); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
