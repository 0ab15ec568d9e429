// Package checkpoint persists workflow progress so an interrupted run can be
// resumed from the last completed stage instead of restarting.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	forgeerrors "forge/internal/errors"
	"forge/internal/logging"
	"forge/internal/state"
	"forge/internal/workflow"
)

// SchemaVersion is written into every record. A record with a different
// version is treated as invalid on load.
const SchemaVersion = 1

const (
	filePrefix = "checkpoint_"
	fileSuffix = ".json"
)

// Record is the serialized form of one checkpoint.
type Record struct {
	SchemaVersion int               `json:"schema_version"`
	WorkflowID    string            `json:"workflow_id"`
	Stage         workflow.Stage    `json:"stage"`
	StageHistory  []string          `json:"stage_history"`
	State         state.Snapshot    `json:"state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Sequence      int               `json:"sequence"`
	CreatedAt     time.Time         `json:"created_at"`
	Reason        string            `json:"reason,omitempty"`
}

// Store writes and reads checkpoint records for one workflow under
// <root>/<workflow-id>/.
type Store struct {
	dir    string
	logger logging.Logger
	seq    int
}

// NewStore creates a checkpoint store for one workflow under the given
// root. The directory is created lazily on first save.
func NewStore(root, workflowID string, logger logging.Logger) *Store {
	return &Store{
		dir:    filepath.Join(root, workflowID),
		logger: logging.OrNop(logger),
	}
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes a new checkpoint with the next sequence number. The write goes
// through a temp file and an atomic rename so a crash never leaves a partial
// record under the final name. A failed write is retried once; if that also
// fails the error is reported as degraded so the workflow can continue.
func (s *Store) Save(rec Record) (string, error) {
	if rec.WorkflowID == "" {
		return "", fmt.Errorf("checkpoint: empty workflow id")
	}
	rec.SchemaVersion = SchemaVersion
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.seq++
	rec.Sequence = s.seq

	path, err := s.write(rec)
	if err != nil {
		s.logger.Warn("checkpoint save failed, retrying once: %v", err)
		path, err = s.write(rec)
	}
	if err != nil {
		return "", forgeerrors.NewDegradedError(err, "checkpoint save failed after retry; continuing without checkpoint")
	}
	return path, nil
}

func (s *Store) write(rec Record) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal: %w", err)
	}
	name := fmt.Sprintf("%s%06d%s", filePrefix, rec.Sequence, fileSuffix)
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("checkpoint: rename: %w", err)
	}
	return final, nil
}

// Latest returns the valid record with the highest sequence number. Records
// that fail to parse or carry a different schema version are skipped with a
// warning. ok is false when no valid record exists.
func (s *Store) Latest() (Record, bool, error) {
	recs, err := s.list()
	if err != nil {
		return Record{}, false, err
	}
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

// List returns every valid record in ascending sequence order.
func (s *Store) List() ([]Record, error) {
	return s.list()
}

func (s *Store) list() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	var recs []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if _, ok := parseSequence(name); !ok {
			continue
		}
		rec, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping invalid checkpoint %s: %v", name, err)
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Sequence < recs[j].Sequence })
	if n := len(recs); n > 0 && recs[n-1].Sequence > s.seq {
		s.seq = recs[n-1].Sequence
	}
	return recs, nil
}

func (s *Store) read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse: %w", err)
	}
	if rec.SchemaVersion != SchemaVersion {
		return Record{}, fmt.Errorf("schema version %d, want %d", rec.SchemaVersion, SchemaVersion)
	}
	if rec.WorkflowID == "" {
		return Record{}, fmt.Errorf("missing workflow id")
	}
	return rec, nil
}

// Prune deletes all but the retain most recent valid records. retain <= 0
// keeps everything.
func (s *Store) Prune(retain int) error {
	if retain <= 0 {
		return nil
	}
	recs, err := s.list()
	if err != nil {
		return err
	}
	if len(recs) <= retain {
		return nil
	}
	for _, rec := range recs[:len(recs)-retain] {
		name := fmt.Sprintf("%s%06d%s", filePrefix, rec.Sequence, fileSuffix)
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: prune: %w", err)
		}
	}
	return nil
}

// parseSequence extracts the sequence number from a checkpoint file name.
func parseSequence(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, fileSuffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
