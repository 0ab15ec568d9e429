// Package repo persists finished and in-flight projects outside the
// checkpoint stream: a YAML record per project for inspection, and the
// artifact blobs exported as plain files.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"forge/internal/state"
)

// ProjectRepository stores project snapshots by id.
type ProjectRepository interface {
	Save(snap state.Snapshot) error
	Load(id string) (state.Snapshot, error)
	List() ([]string, error)
}

// FileRepository keeps one YAML file per project under root/projects.
type FileRepository struct {
	root string
}

// NewFileRepository creates a repository rooted at dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{root: dir}
}

func (r *FileRepository) projectPath(id string) string {
	return filepath.Join(r.root, "projects", id+".yaml")
}

// Save writes the snapshot, replacing any previous record for the project.
func (r *FileRepository) Save(snap state.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("repo: empty project id")
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("repo: marshal %s: %w", snap.ID, err)
	}
	path := r.projectPath(snap.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("repo: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("repo: write %s: %w", snap.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("repo: rename %s: %w", snap.ID, err)
	}
	return nil
}

// Load reads the snapshot stored for id.
func (r *FileRepository) Load(id string) (state.Snapshot, error) {
	data, err := os.ReadFile(r.projectPath(id))
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("repo: load %s: %w", id, err)
	}
	var snap state.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("repo: parse %s: %w", id, err)
	}
	return snap, nil
}

// List returns the stored project ids in sorted order.
func (r *FileRepository) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, "projects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("repo: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := strings.CutSuffix(e.Name(), ".yaml"); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ExportArtifacts writes every blob artifact of the snapshot as a file under
// root/artifacts/<project-id>/. Artifact keys become relative paths; a key
// that escapes the export directory is rejected.
func (r *FileRepository) ExportArtifacts(snap state.Snapshot) error {
	base := filepath.Join(r.root, "artifacts", snap.ID)
	for key, artifact := range snap.Artifacts {
		if artifact.Blob == "" {
			continue
		}
		rel := filepath.Clean(key)
		if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return fmt.Errorf("repo: artifact key %q escapes export directory", key)
		}
		path := filepath.Join(base, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("repo: %w", err)
		}
		if err := os.WriteFile(path, []byte(artifact.Blob), 0o644); err != nil {
			return fmt.Errorf("repo: export %s: %w", key, err)
		}
	}
	return nil
}

var _ ProjectRepository = (*FileRepository)(nil)
