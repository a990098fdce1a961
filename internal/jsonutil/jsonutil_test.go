package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	out, err := Format(map[string]any{"zeta": 1, "alpha": []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"alpha\": [\n    \"x\"\n  ],\n  \"zeta\": 1\n}", string(out),
		"keys sorted, two-space indent, no trailing newline")

	out, err = Format(map[string]string{"url": "https://example.com/a?b=1&c=2"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "b=1&c=2", "html escaping must be off")
}

func TestReformat(t *testing.T) {
	t.Parallel()

	out, err := Reformat([]byte(`{"b":2,   "a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": 2\n}", string(out))

	_, err = Reformat([]byte(`{"broken"`))
	assert.Error(t, err)
}

func TestParseDotKey(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"org": map[string]any{
			"github": map[string]any{"orgs": []any{"compliance"}},
		},
	}
	assert.Equal(t, []any{"compliance"}, ParseDotKey(data, "org.github.orgs"))
	assert.Nil(t, ParseDotKey(data, "org.gitlab.orgs"))
	assert.Nil(t, ParseDotKey(data, "org.github.orgs.deeper"))
}

func TestKeyHash(t *testing.T) {
	t.Parallel()

	full := KeyHash([]string{"a", "b"}, 0)
	assert.Len(t, full, 64)
	assert.Equal(t, full[:8], KeyHash([]string{"a", "b"}, 8))
	assert.Equal(t, full, KeyHash([]string{"a", "b"}, 100), "oversized size returns the full hash")
	assert.NotEqual(t, full, KeyHash([]string{"b", "a"}, 0), "key order matters")
}
