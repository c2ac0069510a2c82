package models

import (
	"time"

	"github.com/maneesh/hookvault/internal/errs"
)

// FileRecord is the catalog entry for one stored file
type FileRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Size      int64      `json:"size"`
	ChunkSize int64      `json:"chunk_size"`
	CreatedAt time.Time  `json:"created_at"`
	Chunks    []ChunkRef `json:"chunks"`
}

// ChunkRef points at one uploaded chunk of a file
type ChunkRef struct {
	Index   int    `json:"index"`
	Locator string `json:"locator"`
	Size    int64  `json:"size"`
	Hash    string `json:"hash,omitempty"`
}

// ChunkData holds chunk bytes while a transfer is in flight
type ChunkData struct {
	Index int
	Data  []byte
	Hash  string
}

// Size returns the payload length
func (c *ChunkData) Size() int64 {
	return int64(len(c.Data))
}

// Clone returns a deep copy so callers cannot mutate catalog state.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Chunks = append([]ChunkRef(nil), r.Chunks...)
	return &out
}

// Validate checks the chunk list invariants: indices 0..N-1 in order, at
// least one chunk, sizes bounded by ChunkSize and summing to Size.
func (r *FileRecord) Validate() error {
	if r.ChunkSize <= 0 {
		return errs.NewIntegrityError(-1, "chunk size %d is not positive", r.ChunkSize)
	}
	if len(r.Chunks) == 0 {
		return errs.NewIntegrityError(-1, "record %s has no chunks", r.ID)
	}

	var total int64
	for i, c := range r.Chunks {
		if c.Index != i {
			return errs.NewIntegrityError(i, "expected sequence index %d, found %d", i, c.Index)
		}
		if c.Locator == "" {
			return errs.NewIntegrityError(i, "empty locator")
		}
		if c.Size < 0 || c.Size > r.ChunkSize {
			return errs.NewIntegrityError(i, "size %d outside [0, %d]", c.Size, r.ChunkSize)
		}
		total += c.Size
	}

	if total != r.Size {
		return errs.NewIntegrityError(-1, "chunk sizes sum to %d, record size is %d", total, r.Size)
	}
	return nil
}

// Equal reports whether two records describe the same stored content.
// CreatedAt is compared at second precision since stores may truncate it.
func (r *FileRecord) Equal(o *FileRecord) bool {
	if r.ID != o.ID || r.Name != o.Name || r.Size != o.Size || r.ChunkSize != o.ChunkSize {
		return false
	}
	if len(r.Chunks) != len(o.Chunks) {
		return false
	}
	for i := range r.Chunks {
		if r.Chunks[i] != o.Chunks[i] {
			return false
		}
	}
	return r.CreatedAt.Truncate(time.Second).Equal(o.CreatedAt.Truncate(time.Second))
}
