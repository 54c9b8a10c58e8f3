// Package manifest persists the index's published state: the live segment
// set, per-segment tombstones and the commit sequence number.
//
// Each publication writes a fresh MANIFEST-%06d file and then repoints the
// CURRENT file at it; both writes are temp-file-plus-rename with fsync, so a
// crash at any point leaves either the old state or the new state, never a
// mix. The manifest named by CURRENT is the single source of truth for which
// segments are live.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/fs"
)

const (
	// CurrentFileName is the pointer file naming the live manifest.
	CurrentFileName = "CURRENT"
	// manifestPrefix is the manifest file name prefix.
	manifestPrefix = "MANIFEST-"

	// FormatVersion is the current manifest format version.
	FormatVersion = 1

	// keepManifests is how many superseded manifest files Save retains
	// before pruning, as a safety margin for debugging.
	keepManifests = 2
)

var (
	// ErrNotFound is returned by Load when no CURRENT file exists.
	ErrNotFound = errors.New("manifest not found")

	// ErrCorrupt is returned when a manifest exists but cannot be read
	// back (bad checksum, truncated file, unparsable body).
	ErrCorrupt = errors.New("manifest corrupt")
)

// castagnoli is the CRC-32C table guarding the manifest body.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// SegmentInfo describes one live segment.
type SegmentInfo struct {
	ID      uint64 `json:"id"`
	NumDocs uint32 `json:"num_docs"`
	Size    int64  `json:"size"`
}

// Manifest is one published index state.
type Manifest struct {
	Version       int           `json:"version"`
	Seq           uint64        `json:"seq"`
	NextSegmentID uint64        `json:"next_segment_id"`
	CreatedAt     time.Time     `json:"created_at"`
	Segments      []SegmentInfo `json:"segments"`
	// Tombstones maps segment id to a serialized roaring bitmap of
	// tombstoned ordinals. Segments without deletes are absent.
	Tombstones map[uint64][]byte `json:"tombstones,omitempty"`
}

// New returns the manifest of a freshly created, empty index.
func New() *Manifest {
	return &Manifest{
		Version:       FormatVersion,
		NextSegmentID: 1,
		CreatedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep copy, so a pending publication can be assembled
// without mutating the live manifest.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		Version:       m.Version,
		Seq:           m.Seq,
		NextSegmentID: m.NextSegmentID,
		CreatedAt:     m.CreatedAt,
		Segments:      make([]SegmentInfo, len(m.Segments)),
	}
	copy(out.Segments, m.Segments)
	if len(m.Tombstones) > 0 {
		out.Tombstones = make(map[uint64][]byte, len(m.Tombstones))
		for id, bm := range m.Tombstones {
			cp := make([]byte, len(bm))
			copy(cp, bm)
			out.Tombstones[id] = cp
		}
	}
	return out
}

// Filename returns the manifest file name for a sequence number.
func Filename(seq uint64) string {
	return fmt.Sprintf("%s%06d", manifestPrefix, seq)
}

// Store reads and writes manifests in one index directory.
type Store struct {
	fsys fs.FileSystem
	dir  string
	c    codec.Codec
}

// NewStore creates a manifest store over the given directory.
func NewStore(fsys fs.FileSystem, dir string, c codec.Codec) *Store {
	if fsys == nil {
		fsys = fs.Default
	}
	if c == nil {
		c = codec.Default
	}
	return &Store{fsys: fsys, dir: dir, c: c}
}

// Exists reports whether a CURRENT file is present.
func (s *Store) Exists() bool {
	_, err := s.fsys.Stat(filepath.Join(s.dir, CurrentFileName))
	return err == nil
}

// Load reads the manifest named by CURRENT.
func (s *Store) Load() (*Manifest, error) {
	nameData, err := fs.ReadFile(s.fsys, filepath.Join(s.dir, CurrentFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	name := strings.TrimSpace(string(nameData))
	if !strings.HasPrefix(name, manifestPrefix) || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("%w: CURRENT names %q", ErrCorrupt, name)
	}

	data, err := fs.ReadFile(s.fsys, filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: CURRENT names missing file %q", ErrCorrupt, name)
		}
		return nil, err
	}
	return decode(data, s.c)
}

// Save durably publishes m: the manifest file is written and fsync'd first,
// then CURRENT is atomically repointed. Old manifest files beyond a small
// retention window are pruned best-effort.
func (s *Store) Save(m *Manifest) error {
	m.Version = FormatVersion
	m.CreatedAt = time.Now().UTC()

	data, err := encode(m, s.c)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	name := Filename(m.Seq)
	if err := fs.WriteAtomic(s.fsys, s.dir, name, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := fs.WriteAtomic(s.fsys, s.dir, CurrentFileName, []byte(name), 0o644); err != nil {
		return fmt.Errorf("write CURRENT: %w", err)
	}

	s.prune(m.Seq)
	return nil
}

// prune removes manifest files older than the retention window. Failures
// are ignored; stale manifests are harmless.
func (s *Store) prune(currentSeq uint64) {
	entries, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return
	}
	var old []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, manifestPrefix) {
			continue
		}
		var seq uint64
		if _, err := fmt.Sscanf(name, manifestPrefix+"%d", &seq); err != nil {
			continue
		}
		if seq+keepManifests < currentSeq {
			old = append(old, name)
		}
	}
	sort.Strings(old)
	for _, name := range old {
		_ = s.fsys.Remove(filepath.Join(s.dir, name))
	}
}

// encode serializes the manifest body followed by a CRC-32C footer.
func encode(m *Manifest, c codec.Codec) ([]byte, error) {
	body, err := c.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], crc32.Checksum(body, castagnoli))
	return out, nil
}

func decode(data []byte, c codec.Codec) (*Manifest, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(body):])
	if have := crc32.Checksum(body, castagnoli); have != want {
		return nil, fmt.Errorf("%w: checksum mismatch (have %08x, want %08x)", ErrCorrupt, have, want)
	}

	var m Manifest
	if err := c.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, m.Version)
	}
	return &m, nil
}
