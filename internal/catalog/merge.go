package catalog

import (
	"fmt"
	"path"
	"strings"

	"github.com/maneesh/hookvault/internal/models"
)

// MergeResult describes how an incoming record set folds into an existing one.
type MergeResult struct {
	// Added are the incoming records to insert, with ids and names already
	// made unique against the existing set and each other.
	Added []models.FileRecord
	// Skipped are ids of incoming records already present with the same content.
	Skipped []string
	// Renamed maps an incoming name to the name it was added under.
	Renamed map[string]string
	// Reassigned maps an incoming id to the fresh id it was added under.
	Reassigned map[string]string
	Rejected   []Rejection
}

// Rejection is an incoming record that failed validation.
type Rejection struct {
	ID  string
	Err error
}

// Merge folds incoming into existing without touching either. Existing
// records are never overwritten: an id clash with different content gets a
// new id and a name clash gets a numeric suffix.
func Merge(existing, incoming []models.FileRecord) MergeResult {
	result := MergeResult{
		Renamed:    map[string]string{},
		Reassigned: map[string]string{},
	}

	byID := make(map[string]*models.FileRecord, len(existing)+len(incoming))
	names := make(map[string]struct{}, len(existing)+len(incoming))
	for i := range existing {
		byID[existing[i].ID] = &existing[i]
		names[existing[i].Name] = struct{}{}
	}
	taken := func(name string) bool {
		_, ok := names[name]
		return ok
	}

	for i := range incoming {
		rec := incoming[i].Clone()

		if cur, ok := byID[rec.ID]; ok && sameContent(cur, rec) {
			result.Skipped = append(result.Skipped, rec.ID)
			continue
		}
		if rec.Name == "" {
			result.Rejected = append(result.Rejected, Rejection{ID: rec.ID, Err: fmt.Errorf("record has no name")})
			continue
		}
		if err := rec.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejection{ID: rec.ID, Err: err})
			continue
		}

		if _, clash := byID[rec.ID]; clash || rec.ID == "" {
			fresh := NewID()
			result.Reassigned[rec.ID] = fresh
			rec.ID = fresh
		}
		if taken(rec.Name) {
			unique := UniqueName(rec.Name, taken)
			result.Renamed[rec.Name] = unique
			rec.Name = unique
		}

		byID[rec.ID] = rec
		names[rec.Name] = struct{}{}
		result.Added = append(result.Added, *rec)
	}
	return result
}

// sameContent ignores the display name and creation time: the same id with
// the same chunk list is the same stored file.
func sameContent(a, b *models.FileRecord) bool {
	if a.Size != b.Size || a.ChunkSize != b.ChunkSize || len(a.Chunks) != len(b.Chunks) {
		return false
	}
	for i := range a.Chunks {
		if a.Chunks[i] != b.Chunks[i] {
			return false
		}
	}
	return true
}

// UniqueName returns name, or name with the lowest " (n)" suffix before its
// extension for which taken reports false. Comparison is case-sensitive.
//
//	report.pdf -> report (1).pdf -> report (2).pdf
func UniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		// dotfiles like ".env" have no stem
		stem, ext = name, ""
	}

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}
