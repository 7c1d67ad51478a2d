// Package store persists stage records as JSON Lines files.
//
// Workers append to per-shard checkpoint files named temp_data_<shard>.jsonl
// under a temp directory. Finalize merges every checkpoint with the existing
// destination file, deduplicates by key and atomically replaces the
// destination. The destination is the only state that outlives a run.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/types"
)

const (
	checkpointPrefix = "temp_data_"
	checkpointSuffix = ".jsonl"

	// completeMarker sits next to the checkpoints once a stage whose
	// progress cannot be read from its records has finished.
	completeMarker = "complete"
)

// Store is the keyed, deduplicated output of one stage.
type Store struct {
	dest    string
	tempDir string
	logger  *logger.Logger

	mu sync.Mutex
}

// Stats summarizes a finalized output and its pending checkpoints.
type Stats struct {
	Records     int // rows in dest
	Succeeded   int
	Failed      int
	Checkpoints int // temp_data files awaiting finalize
	Pending     int // rows across those files
}

// New creates a Store writing to dest with checkpoints under tempDir.
// Both directories are created when missing.
func New(dest, tempDir string, log *logger.Logger) (*Store, error) {
	if dest == "" {
		return nil, errors.New("store destination is empty")
	}
	if tempDir == "" {
		return nil, errors.New("store temp dir is empty")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir %s: %w", tempDir, err)
	}
	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output dir %s: %w", dir, err)
		}
	}

	return &Store{dest: dest, tempDir: tempDir, logger: log}, nil
}

// Dest returns the path of the finalized output.
func (s *Store) Dest() string { return s.dest }

// TempDir returns the checkpoint directory.
func (s *Store) TempDir() string { return s.tempDir }

// CheckpointPath returns the checkpoint file of a shard.
func (s *Store) CheckpointPath(shard string) string {
	return filepath.Join(s.tempDir, checkpointPrefix+shard+checkpointSuffix)
}

// Append adds records to the checkpoint of a shard.
func (s *Store) Append(shard string, records []types.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.CheckpointPath(shard)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint %s: %w", path, err)
	}

	if err := writeRecords(f, records); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync checkpoint %s: %w", path, err)
	}
	return f.Close()
}

// Replace overwrites the checkpoint of a shard with a full snapshot.
func (s *Store) Replace(shard string, records []types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.CheckpointPath(shard)
	if err := writeFileAtomic(path, records); err != nil {
		return fmt.Errorf("failed to replace checkpoint %s: %w", path, err)
	}
	return nil
}

// Checkpoints lists the checkpoint files in name order.
func (s *Store) Checkpoints() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.tempDir, checkpointPrefix+"*"+checkpointSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Exists reports whether the finalized output is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.dest)
	return err == nil
}

// MarkComplete records that dest holds the whole output of a finished run.
func (s *Store) MarkComplete() error {
	path := filepath.Join(s.tempDir, completeMarker)
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return fmt.Errorf("failed to mark %s complete: %w", s.dest, err)
	}
	return nil
}

// ClearComplete drops the marker written by MarkComplete.
func (s *Store) ClearComplete() error {
	path := filepath.Join(s.tempDir, completeMarker)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear completion of %s: %w", s.dest, err)
	}
	return nil
}

// Complete reports whether dest exists and was marked complete.
func (s *Store) Complete() bool {
	if _, err := os.Stat(filepath.Join(s.tempDir, completeMarker)); err != nil {
		return false
	}
	return s.Exists()
}

// Finalize merges all checkpoints into dest and removes them.
// It returns the number of records in dest afterwards.
//
// Records are deduplicated by key. Later writes win, except that an error
// record never replaces a successful one. Checkpoints are deleted only after
// dest has been replaced.
func (s *Store) Finalize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	temps, err := s.Checkpoints()
	if err != nil {
		return 0, err
	}
	if len(temps) == 0 {
		s.logger.Debugw("No checkpoints to finalize", "dest", s.dest)
		return s.countDest()
	}

	merged := orderedmap.NewOrderedMap[string, types.Record]()
	sources := append([]string{s.dest}, temps...)
	for _, path := range sources {
		records, err := ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, err
		}
		for _, rec := range records {
			mergeRecord(merged, rec)
		}
	}

	// An input that succeeded under derived keys drops its stale error row.
	covered := make(map[string]struct{})
	for el := merged.Front(); el != nil; el = el.Next() {
		if !el.Value.Failed() && el.Value.Origin != "" {
			covered[el.Value.Origin] = struct{}{}
		}
	}

	out := make([]types.Record, 0, merged.Len())
	for el := merged.Front(); el != nil; el = el.Next() {
		if _, ok := covered[el.Key]; ok && el.Value.Failed() {
			continue
		}
		out = append(out, el.Value)
	}

	if err := writeFileAtomic(s.dest, out); err != nil {
		return 0, fmt.Errorf("failed to write output %s: %w", s.dest, err)
	}

	for _, path := range temps {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return len(out), fmt.Errorf("failed to remove checkpoint %s: %w", path, err)
		}
	}

	s.logger.Infow("Finalized stage output",
		"dest", s.dest,
		"checkpoints", len(temps),
		"records", len(out))
	return len(out), nil
}

func mergeRecord(merged *orderedmap.OrderedMap[string, types.Record], rec types.Record) {
	if existing, ok := merged.Get(rec.Key); ok && !existing.Failed() && rec.Failed() {
		return
	}
	merged.Set(rec.Key, rec)
}

// CompletedKeys returns the input keys accounted for by a successful record.
// dest is authoritative when present; otherwise checkpoints are scanned.
func (s *Store) CompletedKeys() (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sources []string
	if s.Exists() {
		sources = []string{s.dest}
	} else {
		temps, err := s.Checkpoints()
		if err != nil {
			return nil, err
		}
		sources = temps
	}

	done := make(map[string]struct{})
	for _, path := range sources {
		records, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if !rec.Failed() {
				done[rec.CompletionKey()] = struct{}{}
			}
		}
	}
	return done, nil
}

// Records returns the finalized output. A missing dest yields no records.
func (s *Store) Records() ([]types.Record, error) {
	records, err := ReadFile(s.dest)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return records, err
}

// Stats reports record and checkpoint counts.
func (s *Store) Stats() (Stats, error) {
	var st Stats

	records, err := s.Records()
	if err != nil {
		return st, err
	}
	st.Records = len(records)
	for _, rec := range records {
		if rec.Failed() {
			st.Failed++
		} else {
			st.Succeeded++
		}
	}

	temps, err := s.Checkpoints()
	if err != nil {
		return st, err
	}
	st.Checkpoints = len(temps)
	for _, path := range temps {
		pending, err := ReadFile(path)
		if err != nil {
			return st, err
		}
		st.Pending += len(pending)
	}
	return st, nil
}

// Purge removes the checkpoints and, when outputs is set, the finalized output
// and its completion marker. The marker is not counted as a removed file.
func (s *Store) Purge(outputs bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	temps, err := s.Checkpoints()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range temps {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove checkpoint %s: %w", path, err)
		}
		removed++
	}
	if outputs {
		if err := os.Remove(s.dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove output %s: %w", s.dest, err)
		} else if err == nil {
			removed++
		}
		if err := os.Remove(filepath.Join(s.tempDir, completeMarker)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove completion marker of %s: %w", s.dest, err)
		}
	}
	return removed, nil
}

func (s *Store) countDest() (int, error) {
	records, err := ReadFile(s.dest)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// ReadFile decodes a JSON Lines file. A truncated final line, as left by a
// killed writer, is ignored; malformed lines elsewhere are an error.
func ReadFile(path string) ([]types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var records []types.Record
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("failed to read %s: %w", path, readErr)
		}

		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			var rec types.Record
			if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
				if readErr == io.EOF {
					// partial trailing write
					break
				}
				return nil, fmt.Errorf("failed to decode %s line %d: %w", path, lineNo, err)
			}
			records = append(records, rec)
		}

		if readErr == io.EOF {
			break
		}
	}
	return records, nil
}

func writeRecords(w io.Writer, records []types.Record) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeFileAtomic writes records to a sibling temp file and renames it over path.
func writeFileAtomic(path string, records []types.Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := writeRecords(tmp, records); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
