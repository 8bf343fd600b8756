// Package quarantine files away copies of documents the pipeline flagged as
// duplicates or needing review, each with a JSON metadata sidecar, and cleans
// them up by age. Files are always copied, never moved: the staging copy
// remains the working copy until the run finishes with it.
package quarantine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Category partitions the quarantine directory by why the file landed there.
type Category string

const (
	CategoryDuplicates Category = "duplicates"
	CategoryReview     Category = "review"
	CategoryOther      Category = "other"
)

// Snapshot captures the identity of the quarantined document at the moment of
// quarantine, written next to the copy as <name>.meta.json.
type Snapshot struct {
	SourceFileID   string    `json:"source_file_id"`
	SourceFileName string    `json:"source_file_name"`
	SupplierName   string    `json:"supplier_name,omitempty"`
	InvoiceNumber  string    `json:"invoice_number,omitempty"`
	IssueDate      string    `json:"issue_date,omitempty"`
	TotalAmount    *float64  `json:"total_amount,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	Reason         string    `json:"reason"`
	QuarantinedAt  time.Time `json:"quarantined_at"`
}

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

func sanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")
	if len(name) > 200 {
		ext := filepath.Ext(name)
		name = name[:200-len(ext)] + ext
	}
	if name == "" {
		name = "unnamed"
	}
	return name
}

type Store struct {
	basePath string
	now      func() time.Time
}

func NewStore(basePath string) *Store {
	return &Store{basePath: basePath, now: time.Now}
}

// Place copies the file at sourcePath into the category directory under a
// timestamped collision-free name and writes the metadata sidecar. Returns
// the path of the quarantined copy.
func (s *Store) Place(sourcePath string, category Category, snap Snapshot) (string, error) {
	dir := filepath.Join(s.basePath, string(category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating quarantine directory %s: %w", dir, err)
	}

	now := s.now().UTC()
	name := fmt.Sprintf("%s_%s", now.Format("2006-01-02T15-04-05"), sanitizeFilename(snap.SourceFileName))
	destPath := filepath.Join(dir, name)

	if err := copyFile(sourcePath, destPath); err != nil {
		return "", fmt.Errorf("error copying %s to quarantine: %w", sourcePath, err)
	}

	snap.QuarantinedAt = now
	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error encoding quarantine metadata: %w", err)
	}
	if err := os.WriteFile(destPath+".meta.json", meta, 0o644); err != nil {
		return "", fmt.Errorf("error writing quarantine metadata: %w", err)
	}

	return destPath, nil
}

// Cleanup deletes quarantined files older than maxAgeDays together with their
// sidecars. Returns how many documents were removed.
func (s *Store) Cleanup(maxAgeDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -maxAgeDays)
	return removeOlderThan(s.basePath, cutoff)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
	}
	return err
}

// removeOlderThan walks root and deletes regular non-sidecar files whose
// mtime is before cutoff, plus their sidecars.
func removeOlderThan(root string, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".meta.json") {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			return fmt.Errorf("error removing expired file %s: %w", path, err)
		}
		if err := os.Remove(path + ".meta.json"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("error removing metadata for %s: %w", path, err)
		}
		removed++
		return nil
	})
	if os.IsNotExist(err) {
		return removed, nil
	}

	return removed, err
}

// PendingQueue keeps copies of files whose processing failed, so a later
// reprocessing pass or an operator can retry them without re-downloading.
type PendingQueue struct {
	path string
	now  func() time.Time
}

func NewPendingQueue(path string) *PendingQueue {
	return &PendingQueue{path: path, now: time.Now}
}

// Save copies the file into the pending directory keyed by its remote id, so
// repeated failures of the same file overwrite rather than accumulate.
func (q *PendingQueue) Save(sourcePath, remoteFileID, fileName string) (string, error) {
	if err := os.MkdirAll(q.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating pending directory %s: %w", q.path, err)
	}

	destPath := filepath.Join(q.path, fmt.Sprintf("%s_%s", remoteFileID, sanitizeFilename(fileName)))
	if err := copyFile(sourcePath, destPath); err != nil {
		return "", fmt.Errorf("error copying %s to pending queue: %w", sourcePath, err)
	}

	return destPath, nil
}

// Cleanup deletes pending copies older than maxAgeDays.
func (q *PendingQueue) Cleanup(maxAgeDays int) (int, error) {
	cutoff := q.now().AddDate(0, 0, -maxAgeDays)
	return removeOlderThan(q.path, cutoff)
}
