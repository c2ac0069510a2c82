package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/models"
)

// Chunker handles file chunking and reassembly
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, errs.NewConfigError("chunk_size", "must be positive, got %d", chunkSize)
	}
	return &Chunker{chunkSize: chunkSize}, nil
}

// Split returns a lazy chunk sequence over reader. The source is read one
// chunk at a time; restarting requires a fresh reader.
func (c *Chunker) Split(reader io.Reader) *Splitter {
	return &Splitter{reader: reader, chunkSize: c.chunkSize}
}

// Splitter iterates over the chunks of a stream, bufio.Scanner style.
type Splitter struct {
	reader    io.Reader
	chunkSize int64
	next      int
	total     int64
	current   *models.ChunkData
	done      bool
	err       error
}

// Next reads the next chunk. It returns false at end of stream or on error.
func (s *Splitter) Next() bool {
	if s.done {
		return false
	}

	buffer := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.reader, buffer)

	switch {
	case err == nil:
		// full chunk, more may follow
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		s.done = true
		// an empty stream still produces one empty chunk
		if n == 0 && s.next > 0 {
			return false
		}
	default:
		s.done = true
		s.err = fmt.Errorf("error reading chunk %d: %w", s.next, err)
		return false
	}

	data := buffer[:n]
	s.current = &models.ChunkData{
		Index: s.next,
		Data:  data,
		Hash:  ComputeHash(data),
	}
	s.total += int64(n)
	s.next++
	return true
}

// Chunk returns the chunk produced by the last successful Next
func (s *Splitter) Chunk() *models.ChunkData {
	return s.current
}

// Err returns the first read error, if any
func (s *Splitter) Err() error {
	return s.err
}

// Total returns the number of bytes consumed so far
func (s *Splitter) Total() int64 {
	return s.total
}

// Count returns the number of chunks produced so far
func (s *Splitter) Count() int {
	return s.next
}

// Part is a fetched chunk payload, possibly out of order
type Part struct {
	Index int
	Data  []byte
}

// Reassemble writes parts to w in ascending index order. Every part is checked
// against its ref before the first byte is written.
func Reassemble(w io.Writer, refs []models.ChunkRef, parts []Part) (int64, error) {
	sortedRefs := append([]models.ChunkRef(nil), refs...)
	sort.Slice(sortedRefs, func(i, j int) bool { return sortedRefs[i].Index < sortedRefs[j].Index })

	sortedParts := append([]Part(nil), parts...)
	sort.Slice(sortedParts, func(i, j int) bool { return sortedParts[i].Index < sortedParts[j].Index })

	if len(sortedParts) != len(sortedRefs) {
		return 0, errs.NewIntegrityError(-1, "have %d chunks, expected %d", len(sortedParts), len(sortedRefs))
	}

	for i, ref := range sortedRefs {
		if ref.Index != i {
			return 0, errs.NewIntegrityError(i, "missing chunk in reference list (found index %d)", ref.Index)
		}
		part := sortedParts[i]
		if part.Index != i {
			return 0, errs.NewIntegrityError(i, "missing chunk payload (found index %d)", part.Index)
		}
		if int64(len(part.Data)) != ref.Size {
			return 0, errs.NewIntegrityError(i, "retrieved %d bytes, recorded size is %d", len(part.Data), ref.Size)
		}
		if ref.Hash != "" && !VerifyChunkHash(part.Data, ref.Hash) {
			return 0, errs.NewIntegrityError(i, "hash mismatch")
		}
	}

	var written int64
	for _, part := range sortedParts {
		n, err := w.Write(part.Data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write chunk %d: %w", part.Index, err)
		}
	}
	return written, nil
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
