package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/maneesh/hookvault/internal/models"
)

// SnapshotVersion is the current export format version.
const SnapshotVersion = 1

// LegacyChunkSize is the fixed chunk size of the legacy cache format.
const LegacyChunkSize int64 = 24_000_000

// MaxSnapshotBytes caps a snapshot, compressed or not, at 64 MiB.
const MaxSnapshotBytes int64 = 64 << 20

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ErrSnapshotTooLarge is returned for snapshots above MaxSnapshotBytes.
var ErrSnapshotTooLarge = errors.New("snapshot too large")

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrSnapshotTooLarge
	}
	return data, nil
}

// Snapshot is the portable form of a catalog.
type Snapshot struct {
	Version int                 `json:"version"`
	Files   []models.FileRecord `json:"files"`
	// Legacy is set when the input was a legacy cache file. Its records
	// carry the decode time as CreatedAt.
	Legacy bool `json:"-"`
}

// legacyEntry is one value of the legacy {id: entry} cache file.
type legacyEntry struct {
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	URLs     []string `json:"urls"`
}

// EncodeSnapshot writes s as indented JSON, zstd-compressed if compress is set.
func EncodeSnapshot(w io.Writer, s Snapshot, compress bool) error {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if s.Files == nil {
		s.Files = []models.FileRecord{}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if !compress {
		_, err = w.Write(data)
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return enc.Close()
}

// DecodeSnapshot reads a snapshot in the current format or the legacy cache
// format. zstd input is detected by its magic bytes. Input and decompressed
// output are both capped at MaxSnapshotBytes.
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	return decodeSnapshot(r, MaxSnapshotBytes)
}

func decodeSnapshot(r io.Reader, limit int64) (Snapshot, error) {
	data, err := readLimited(r, limit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderMaxMemory(uint64(limit)))
		if err != nil {
			return Snapshot{}, fmt.Errorf("create zstd reader: %w", err)
		}
		data, err = readLimited(dec, limit)
		dec.Close()
		if err != nil {
			return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
		}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{Version: SnapshotVersion}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	_, hasVersion := fields["version"]
	_, hasFiles := fields["files"]
	if hasVersion && hasFiles {
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		if s.Version > SnapshotVersion {
			return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", s.Version)
		}
		return s, nil
	}

	return decodeLegacy(fields)
}

func decodeLegacy(entries map[string]json.RawMessage) (Snapshot, error) {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	// legacy ids are small integers; order numerically
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})

	now := time.Now().UTC()
	s := Snapshot{Version: SnapshotVersion, Files: make([]models.FileRecord, 0, len(ids)), Legacy: true}
	for _, id := range ids {
		var e legacyEntry
		if err := json.Unmarshal(entries[id], &e); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode legacy entry %s: %w", id, err)
		}
		s.Files = append(s.Files, legacyRecord(id, e, now))
	}
	return s, nil
}

// legacyRecord derives chunk sizes from the fixed legacy chunk size: every
// chunk but the last is full.
func legacyRecord(id string, e legacyEntry, createdAt time.Time) models.FileRecord {
	rec := models.FileRecord{
		ID:        id,
		Name:      e.Filename,
		Size:      e.Size,
		ChunkSize: LegacyChunkSize,
		CreatedAt: createdAt,
		Chunks:    make([]models.ChunkRef, len(e.URLs)),
	}

	remaining := e.Size
	for i, u := range e.URLs {
		size := LegacyChunkSize
		if i == len(e.URLs)-1 {
			size = remaining
		}
		rec.Chunks[i] = models.ChunkRef{Index: i, Locator: u, Size: size}
		remaining -= size
	}
	return rec
}

// WriteSnapshotFile writes s to path atomically. Paths ending in .zst are
// compressed.
func WriteSnapshotFile(path string, s Snapshot) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		return EncodeSnapshot(w, s, strings.HasSuffix(path, ".zst"))
	})
}

// ReadSnapshotFile reads a snapshot or legacy cache file.
func ReadSnapshotFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return DecodeSnapshot(f)
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it over path, so readers never see a partial file.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
