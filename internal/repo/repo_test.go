package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/state"
	"forge/internal/workflow"
)

func sampleSnapshot(id string) state.Snapshot {
	p := state.NewProject(id, "demo", "build a todo cli")
	_ = p.AdvanceStage(workflow.StageRequirements, false)
	p.SetRegionValue(state.RegionRequirements, "specification", "# spec")
	p.AddArtifact("requirements_doc", state.Artifact{Blob: "# spec"})
	p.AddArtifact("src/main.go", state.Artifact{Blob: "package main"})
	p.AddDecision("baselined requirements", "REQUIREMENTS_ANALYST", "")
	return p.Snapshot()
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := NewFileRepository(t.TempDir())
	snap := sampleSnapshot("wf-1")
	require.NoError(t, r.Save(snap))

	got, err := r.Load("wf-1")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, snap.Requirement, got.Requirement)
	assert.Equal(t, workflow.StageRequirements, got.CurrentStage)
	assert.Equal(t, "# spec", got.Artifacts["requirements_doc"].Blob)
	assert.Equal(t, snap.Regions[state.RegionRequirements], got.Regions[state.RegionRequirements])
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "baselined requirements", got.Decisions[0].Decision)
}

func TestSaveReplacesPreviousRecord(t *testing.T) {
	r := NewFileRepository(t.TempDir())
	require.NoError(t, r.Save(sampleSnapshot("wf-1")))

	updated := sampleSnapshot("wf-1")
	updated.Requirement = "build a chess engine"
	require.NoError(t, r.Save(updated))

	got, err := r.Load("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "build a chess engine", got.Requirement)
}

func TestSaveRejectsEmptyID(t *testing.T) {
	r := NewFileRepository(t.TempDir())
	assert.Error(t, r.Save(state.Snapshot{}))
}

func TestLoadMissingProject(t *testing.T) {
	r := NewFileRepository(t.TempDir())
	_, err := r.Load("wf-missing")
	assert.Error(t, err)
}

func TestListSorted(t *testing.T) {
	r := NewFileRepository(t.TempDir())

	ids, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, ids, "empty repository lists nothing")

	require.NoError(t, r.Save(sampleSnapshot("wf-b")))
	require.NoError(t, r.Save(sampleSnapshot("wf-a")))
	require.NoError(t, r.Save(sampleSnapshot("wf-c")))

	ids, err = r.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b", "wf-c"}, ids)
}

func TestExportArtifacts(t *testing.T) {
	dir := t.TempDir()
	r := NewFileRepository(dir)
	snap := sampleSnapshot("wf-1")
	require.NoError(t, r.ExportArtifacts(snap))

	data, err := os.ReadFile(filepath.Join(dir, "artifacts", "wf-1", "requirements_doc"))
	require.NoError(t, err)
	assert.Equal(t, "# spec", string(data))

	// Nested keys become directories.
	data, err = os.ReadFile(filepath.Join(dir, "artifacts", "wf-1", "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))
}

func TestExportRejectsEscapingKeys(t *testing.T) {
	dir := t.TempDir()
	r := NewFileRepository(dir)

	for _, key := range []string{"../outside.md", "a/../../outside.md", "/etc/hostname"} {
		snap := state.Snapshot{
			ID:        "wf-1",
			Artifacts: map[string]state.Artifact{key: {Blob: "x"}},
		}
		assert.Error(t, r.ExportArtifacts(snap), "key %q", key)
	}
	_, err := os.Stat(filepath.Join(dir, "outside.md"))
	assert.True(t, os.IsNotExist(err))
}
