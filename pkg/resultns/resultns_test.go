package resultns

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerSlug(t *testing.T) {
	tests := []struct {
		owner  string
		hashed bool
	}{
		{owner: "alice"},
		{owner: "bob.smith-2"},
		{owner: "Alice", hashed: true},
		{owner: "../etc", hashed: true},
		{owner: "a/b", hashed: true},
		{owner: "u-alice", hashed: true},
		{owner: ".hidden", hashed: true},
		{owner: strings.Repeat("x", 65), hashed: true},
	}
	for _, tt := range tests {
		t.Run(tt.owner, func(t *testing.T) {
			slug := OwnerSlug(tt.owner)
			if tt.hashed {
				assert.True(t, strings.HasPrefix(slug, "u-"))
			} else {
				assert.Equal(t, tt.owner, slug)
			}
			assert.NotContains(t, slug, "/")
		})
	}
}

func TestOwnerSlug_Distinct(t *testing.T) {
	owners := []string{"alice", "Alice", "ALICE", "u-alice", "alice ", "a/lice", "a\\lice"}
	seen := map[string]string{}
	for _, o := range owners {
		slug := OwnerSlug(o)
		if prev, ok := seen[slug]; ok && strings.TrimSpace(prev) != strings.TrimSpace(o) {
			t.Fatalf("owners %q and %q share slug %q", prev, o, slug)
		}
		seen[slug] = o
	}
}

func TestResultDir_CreatesPerOwner(t *testing.T) {
	m := New(t.TempDir())

	a, err := m.ResultDir("alice")
	require.NoError(t, err)
	b, err := m.ResultDir("bob")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.DirExists(t, a)
	assert.Equal(t, m.Root(), filepath.Dir(a))

	_, err = m.ResultDir("")
	require.Error(t, err)
}

func TestNewSession_ConcurrentSameOwnerSameTemplate(t *testing.T) {
	m := New(t.TempDir())

	const n = 16
	dirs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.NewSession("alice", "/tmp/templates/survey v1.xlsx")
			if assert.NoError(t, err) {
				dirs[i] = s.Dir
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, d := range dirs {
		require.NotEmpty(t, d)
		assert.False(t, seen[d], "duplicate session dir %s", d)
		seen[d] = true
		assert.True(t, strings.HasPrefix(filepath.Base(d), "survey_v1_"))
	}
}

func TestSession_ArtifactNameAndCollect(t *testing.T) {
	m := New(t.TempDir())
	s, err := m.NewSession("Alice", "t1.xlsx")
	require.NoError(t, err)

	name := s.ArtifactName("../results.json")
	assert.Equal(t, s.ID+"-"+OwnerSlug("Alice")+"_results.json", name)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, name), []byte("{}"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "nested", "rows.csv"), []byte("a,b\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "notes.txt"), []byte("x"), 0644))

	got, err := s.Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{name, "nested/rows.csv"}, got)

	reopened, err := OpenSession("Alice", s.ID, s.Dir)
	require.NoError(t, err)
	assert.Equal(t, s.OwnerSlug, reopened.OwnerSlug)

	require.NoError(t, s.Remove())
	assert.NoDirExists(t, s.Dir)
}

func TestTemplateStem(t *testing.T) {
	assert.Equal(t, "t1", templateStem("t1.xlsx"))
	assert.Equal(t, "experiment", templateStem(".xlsx"))
	assert.Equal(t, "my_file", templateStem("dir/my file.xls"))
}

func TestSession_ArtifactsNewestFirst(t *testing.T) {
	m := New(t.TempDir())
	s, err := m.NewSession("alice", "survey.xlsx")
	require.NoError(t, err)

	older := filepath.Join(s.Dir, s.ArtifactName("responses.csv"))
	newer := filepath.Join(s.Dir, "nested", s.ArtifactName("summary.json"))
	require.NoError(t, os.MkdirAll(filepath.Dir(newer), 0o755))
	require.NoError(t, os.WriteFile(older, []byte("a,b\n1,2\n"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "runner.log"), []byte("x"), 0o644))

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)))

	arts, err := s.Artifacts()
	require.NoError(t, err)
	require.Len(t, arts, 2)

	assert.Equal(t, "nested/"+s.ArtifactName("summary.json"), arts[0].Path)
	assert.Equal(t, "json", arts[0].Kind)
	assert.Equal(t, int64(2), arts[0].Size)
	assert.True(t, arts[0].ModTime.Equal(base.Add(time.Minute)))

	assert.Equal(t, s.ArtifactName("responses.csv"), arts[1].Path)
	assert.Equal(t, "csv", arts[1].Kind)
	assert.Equal(t, int64(8), arts[1].Size)
}

func TestSession_ArtifactsOfRemovedSession(t *testing.T) {
	m := New(t.TempDir())
	s, err := m.NewSession("alice", "survey.xlsx")
	require.NoError(t, err)
	require.NoError(t, s.Remove())

	arts, err := s.Artifacts()
	require.NoError(t, err)
	assert.Empty(t, arts)
}
