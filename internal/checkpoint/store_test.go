package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/state"
	"forge/internal/workflow"
)

func testRecord(stage workflow.Stage, history ...string) Record {
	p := state.NewProject("wf-ckpt", "demo", "build something")
	p.SetRegionValue(state.RegionRequirements, "spec", "v1")
	return Record{
		WorkflowID:   "wf-ckpt",
		Stage:        stage,
		StageHistory: history,
		State:        p.Snapshot(),
		Reason:       "stage_complete",
	}
}

func TestSaveAndLatest(t *testing.T) {
	s := NewStore(t.TempDir(), "wf-ckpt", nil)

	path, err := s.Save(testRecord(workflow.StageRequirements, "REQUIREMENTS_ANALYSIS"))
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = s.Save(testRecord(workflow.StageArchitecture, "REQUIREMENTS_ANALYSIS", "ARCHITECTURE_DESIGN"))
	require.NoError(t, err)

	rec, ok, err := s.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.StageArchitecture, rec.Stage)
	assert.Equal(t, 2, rec.Sequence)
	assert.Equal(t, SchemaVersion, rec.SchemaVersion)
	assert.Equal(t, "wf-ckpt", rec.State.ID)
}

func TestLatestEmptyStore(t *testing.T) {
	s := NewStore(t.TempDir(), "wf-none", nil)
	_, ok, err := s.Latest()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoundTripPreservesState(t *testing.T) {
	s := NewStore(t.TempDir(), "wf-ckpt", nil)
	rec := testRecord(workflow.StageRequirements, "REQUIREMENTS_ANALYSIS")
	_, err := s.Save(rec)
	require.NoError(t, err)

	loaded, ok, err := s.Latest()
	require.NoError(t, err)
	require.True(t, ok)

	restored := state.FromSnapshot(loaded.State)
	v, found := restored.RegionValue(state.RegionRequirements, "spec")
	require.True(t, found)
	assert.Equal(t, "v1", v)
}

func TestLatestSkipsInvalidRecords(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, "wf-ckpt", nil)
	_, err := s.Save(testRecord(workflow.StageRequirements))
	require.NoError(t, err)
	_, err = s.Save(testRecord(workflow.StageArchitecture))
	require.NoError(t, err)

	// Corrupt the newest record on disk.
	corrupt := filepath.Join(s.Dir(), "checkpoint_000002.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{truncated"), 0o644))

	rec, ok, err := s.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.StageRequirements, rec.Stage, "falls back to the highest valid sequence")
}

func TestLatestSkipsWrongSchemaVersion(t *testing.T) {
	s := NewStore(t.TempDir(), "wf-ckpt", nil)
	_, err := s.Save(testRecord(workflow.StageRequirements))
	require.NoError(t, err)

	rec := testRecord(workflow.StageArchitecture)
	rec.SchemaVersion = 99
	rec.Sequence = 2
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "checkpoint_000002.json"), data, 0o644))

	got, ok, err := s.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.StageRequirements, got.Stage)
}

func TestSequenceContinuesAfterReload(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, "wf-ckpt", nil)
	_, err := s.Save(testRecord(workflow.StageRequirements))
	require.NoError(t, err)
	_, err = s.Save(testRecord(workflow.StageArchitecture))
	require.NoError(t, err)

	// A fresh store over the same directory picks up after the highest
	// existing sequence instead of overwriting it.
	reopened := NewStore(root, "wf-ckpt", nil)
	_, _, err = reopened.Latest()
	require.NoError(t, err)
	path, err := reopened.Save(testRecord(workflow.StageImplementation))
	require.NoError(t, err)
	assert.Contains(t, path, "checkpoint_000003.json")
}

func TestPrune(t *testing.T) {
	s := NewStore(t.TempDir(), "wf-ckpt", nil)
	for i := 0; i < 5; i++ {
		_, err := s.Save(testRecord(workflow.StageRequirements))
		require.NoError(t, err)
	}

	require.NoError(t, s.Prune(2))
	recs, err := s.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 4, recs[0].Sequence)
	assert.Equal(t, 5, recs[1].Sequence)

	// retain <= 0 keeps everything.
	require.NoError(t, s.Prune(0))
	recs, err = s.List()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSaveRejectsEmptyWorkflowID(t *testing.T) {
	s := NewStore(t.TempDir(), "wf-ckpt", nil)
	_, err := s.Save(Record{})
	assert.Error(t, err)
}

func TestNoPartialRecordUnderFinalName(t *testing.T) {
	s := NewStore(t.TempDir(), "wf-ckpt", nil)
	_, err := s.Save(testRecord(workflow.StageRequirements))
	require.NoError(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files are renamed away")
	}
}
