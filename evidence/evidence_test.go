package evidence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind          Kind
		rootDir       string
		signable      bool
		partitionable bool
		defaultTTL    time.Duration
	}{
		{Raw, "raw", true, true, Day},
		{Derived, "derived", false, false, Day},
		{Report, "reports", false, false, Day},
		{External, "external", true, true, Year},
	}
	for _, tt := range tests {
		t.Run(tt.rootDir, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.rootDir, tt.kind.RootDir())
			assert.Equal(t, tt.signable, tt.kind.Signable())
			assert.Equal(t, tt.partitionable, tt.kind.Partitionable())
			assert.Equal(t, tt.defaultTTL, tt.kind.DefaultTTL())

			kind, ok := KindFromRootDir(tt.rootDir)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}

	_, ok := KindFromRootDir("attic")
	assert.False(t, ok)
}

func TestParsePath(t *testing.T) {
	t.Parallel()

	t.Run("plain path", func(t *testing.T) {
		t.Parallel()
		kind, category, name, err := ParsePath("raw/github/repos.json")
		require.NoError(t, err)
		assert.Equal(t, Raw, kind)
		assert.Equal(t, "github", category)
		assert.Equal(t, "repos.json", name)
	})

	t.Run("agent-scoped path", func(t *testing.T) {
		t.Parallel()
		kind, category, name, err := ParsePath("agents/collector/raw/github/repos.json")
		require.NoError(t, err)
		assert.Equal(t, Raw, kind)
		assert.Equal(t, "github", category)
		assert.Equal(t, "repos.json", name)
	})

	t.Run("invalid paths", func(t *testing.T) {
		t.Parallel()
		for _, p := range []string{"", "raw", "raw/github", "attic/github/repos.json", "raw/a/b/c/d/e"} {
			_, _, _, err := ParsePath(p)
			var perr *PathError
			require.ErrorAs(t, err, &perr, "path %q should be rejected", p)
			assert.Equal(t, p, perr.Path)
		}
	})
}

func TestEvidencePath(t *testing.T) {
	t.Parallel()

	e := New(Report, "github", "repos.md")
	assert.Equal(t, "reports/github/repos.md", e.Path())
	assert.Equal(t, "reports/github", e.DirPath())
	assert.Equal(t, "md", e.Extension())
}

func TestSetContent(t *testing.T) {
	t.Parallel()

	t.Run("canonicalizes json", func(t *testing.T) {
		t.Parallel()
		e := New(Raw, "github", "repos.json")
		require.NoError(t, e.SetContent([]byte(`{"zeta": 1,   "alpha": 2}`)))
		assert.Equal(t, "{\n  \"alpha\": 2,\n  \"zeta\": 1\n}", string(e.Content()))
		assert.NotEmpty(t, e.Digest)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		t.Parallel()
		e := New(Raw, "github", "repos.json")
		assert.Error(t, e.SetContent([]byte(`{"broken":`)))
	})

	t.Run("binary content stored verbatim", func(t *testing.T) {
		t.Parallel()
		e := New(Raw, "github", "dump.json", WithBinaryContent())
		raw := []byte(`{"zeta": 1}`)
		require.NoError(t, e.SetContent(raw))
		assert.Equal(t, raw, e.Content())
	})

	t.Run("discards stale signature", func(t *testing.T) {
		t.Parallel()
		e := New(Raw, "github", "repos.json")
		e.Agent = "collector"
		e.Signature = "sig"
		require.NoError(t, e.SetContent([]byte(`{}`)))
		assert.Empty(t, e.Agent)
		assert.Empty(t, e.Signature)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		e := New(Raw, "github", "dump.bin", WithBinaryContent())
		assert.True(t, e.Empty())
		require.NoError(t, e.SetContent([]byte("x")))
		assert.False(t, e.Empty())
	})
}

func TestSecondsJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Seconds(90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "5400", string(b), "ttl must serialize as integer seconds")

	var s Seconds
	require.NoError(t, json.Unmarshal([]byte("86400"), &s))
	assert.Equal(t, Day, s.Duration())
}

func TestSplitJoin(t *testing.T) {
	t.Parallel()

	t.Run("content within part size is not split", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, Split([]byte("abc"), 3))
		assert.Nil(t, Split([]byte("abc"), 0))
	})

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		content := []byte("0123456789abcdef!")
		parts := Split(content, 4)
		require.Len(t, parts, 5)
		assert.Equal(t, []byte("!"), parts[4], "last part carries the remainder")
		assert.Equal(t, content, Join(parts))
	})
}

func TestPartName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "repos.json.part0000", PartName("repos.json", 0))
	assert.Equal(t, "repos.json.part0012", PartName("repos.json", 12))
}
