package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineOrder(t *testing.T) {
	full := Pipeline(false)
	assert.Equal(t, []Stage{
		StageRequirements,
		StageArchitecture,
		StageUIDesign,
		StageImplementation,
		StageTesting,
		StageQA,
	}, full)

	skipped := Pipeline(true)
	assert.NotContains(t, skipped, StageUIDesign)
	assert.Len(t, skipped, 5)
}

func TestNext(t *testing.T) {
	next, ok := Next(StageInitial, false)
	require.True(t, ok)
	assert.Equal(t, StageRequirements, next)

	next, ok = Next(StageArchitecture, true)
	require.True(t, ok)
	assert.Equal(t, StageImplementation, next, "skipUI elides the UI stage")

	next, ok = Next(StageArchitecture, false)
	require.True(t, ok)
	assert.Equal(t, StageUIDesign, next)

	_, ok = Next(StageCompleted, false)
	assert.False(t, ok)
	_, ok = Next(StageFailed, false)
	assert.False(t, ok)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StageInitial, StageRequirements, false))
	assert.NoError(t, ValidateTransition(StageQA, StageCompleted, false))

	// Jumping to FAILED is always legal.
	assert.NoError(t, ValidateTransition(StageImplementation, StageFailed, false))
	assert.NoError(t, ValidateTransition(StageInitial, StageFailed, true))

	// Skipping forward or moving backward is not.
	err := ValidateTransition(StageInitial, StageArchitecture, false)
	assert.ErrorIs(t, err, ErrInvalidStageTransition)
	err = ValidateTransition(StageTesting, StageImplementation, false)
	assert.ErrorIs(t, err, ErrInvalidStageTransition)

	// With skipUI the elided stage is not a valid target.
	err = ValidateTransition(StageArchitecture, StageUIDesign, true)
	assert.ErrorIs(t, err, ErrInvalidStageTransition)
	assert.NoError(t, ValidateTransition(StageArchitecture, StageImplementation, true))
}

func TestTerminalAndRefinement(t *testing.T) {
	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageFailed.IsTerminal())
	assert.False(t, StageTesting.IsTerminal())

	assert.True(t, StageTesting.IsRefinement())
	assert.True(t, StageQA.IsRefinement())
	assert.False(t, StageImplementation.IsRefinement())
}

func TestPercentComplete(t *testing.T) {
	assert.Equal(t, 0.0, PercentComplete(StageInitial, false))
	assert.Equal(t, 100.0, PercentComplete(StageCompleted, false))
	assert.Equal(t, 0.0, PercentComplete(StageFailed, false))

	prev := 0.0
	for _, s := range Pipeline(false) {
		p := PercentComplete(s, false)
		assert.Greater(t, p, prev, "progress is monotone across %s", s)
		assert.Less(t, p, 100.0)
		prev = p
	}
}

func TestRoles(t *testing.T) {
	roles := Roles()
	assert.Len(t, roles, 7)
	assert.Equal(t, RoleProjectManager, roles[0])
	assert.Equal(t, RoleQualityExpert, roles[6])
	assert.Equal(t, 4, RoleIndex(RoleDeveloper))
	assert.Equal(t, -1, RoleIndex(Role("INTERN")))
}
