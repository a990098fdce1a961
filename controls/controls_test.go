package controls

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimplified(t *testing.T) {
	t.Parallel()

	d, err := Parse([]byte(`{
		"checks.github.repos":   ["soc2", "fedramp"],
		"checks.github.members": ["soc2"]
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"fedramp", "soc2"}, d.Accreditations())
	assert.ElementsMatch(t, []string{"checks.github.repos", "checks.github.members"}, d.Checks("soc2"))
	assert.Equal(t, []string{"checks.github.repos"}, d.Checks("fedramp"))
	assert.Equal(t, []string{"fedramp", "soc2"}, d.AccreditationsFor("checks.github.repos"))
	assert.True(t, d.HasCheck("checks.github.repos"))
	assert.False(t, d.HasCheck("checks.github.teams"))
}

func TestParseLegacy(t *testing.T) {
	t.Parallel()

	d, err := Parse([]byte(`{
		"checks.github.repos": {
			"org": {
				"security":  ["soc2"],
				"inventory": ["fedramp", "internal"]
			}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"fedramp", "internal", "soc2"}, d.AccreditationsFor("checks.github.repos"),
		"legacy groupings flatten to the accreditation union")
}

func TestSimplifiedPrecedence(t *testing.T) {
	t.Parallel()

	t.Run("simplified after legacy replaces", func(t *testing.T) {
		t.Parallel()
		d := NewDescriptor()
		require.NoError(t, d.Merge([]byte(`{"checks.a": {"g": {"k": ["legacy-only"]}}}`)))
		require.NoError(t, d.Merge([]byte(`{"checks.a": ["soc2"]}`)))
		assert.Equal(t, []string{"soc2"}, d.AccreditationsFor("checks.a"))
	})

	t.Run("legacy after simplified is ignored", func(t *testing.T) {
		t.Parallel()
		d := NewDescriptor()
		require.NoError(t, d.Merge([]byte(`{"checks.a": ["soc2"]}`)))
		require.NoError(t, d.Merge([]byte(`{"checks.a": {"g": {"k": ["legacy-only"]}}}`)))
		assert.Equal(t, []string{"soc2"}, d.AccreditationsFor("checks.a"))
	})

	t.Run("legacy entries merge", func(t *testing.T) {
		t.Parallel()
		d := NewDescriptor()
		require.NoError(t, d.Merge([]byte(`{"checks.a": {"g": {"k": ["soc2"]}}}`)))
		require.NoError(t, d.Merge([]byte(`{"checks.a": {"g": {"k": ["fedramp"]}}}`)))
		assert.Equal(t, []string{"fedramp", "soc2"}, d.AccreditationsFor("checks.a"))
	})
}

func TestChecksSelection(t *testing.T) {
	t.Parallel()

	d, err := Parse([]byte(`{
		"checks.a": ["soc2"],
		"checks.b": ["fedramp"],
		"checks.c": ["soc2", "fedramp"]
	}`))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"checks.a", "checks.c"}, d.Checks("soc2"))
	assert.ElementsMatch(t, []string{"checks.a", "checks.b", "checks.c"}, d.Checks("soc2", "fedramp"))
	assert.ElementsMatch(t, []string{"checks.a", "checks.b", "checks.c"}, d.Checks(),
		"no accreditations selects every mapped check")
	assert.Empty(t, d.Checks("hipaa"))
}

func TestLoadFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "controls.json")
	second := filepath.Join(dir, "extra.json")
	require.NoError(t, os.WriteFile(first, []byte(`{"checks.a": ["soc2"]}`), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`{"checks.b": ["fedramp"]}`), 0o644))

	d, err := Load(first, second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"checks.a", "checks.b"}, d.Checks())

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestMergeRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	d := NewDescriptor()
	assert.Error(t, d.Merge([]byte(`{"checks.a": 42}`)))
	assert.Error(t, d.Merge([]byte(`not json`)))
}
