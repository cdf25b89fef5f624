package filespec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, paths ...string) {
	t.Helper()
	for _, rel := range paths {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(rel), 0644))
	}
}

func TestResolver_LiteralPaths(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir)

	set, err := r.Resolve("Binaries/app.exe; Docs/readme.md", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Binaries/app.exe", "Docs/readme.md"}, set.Sorted())
}

func TestResolver_TagReference(t *testing.T) {
	r := NewResolver(t.TempDir())
	tags := map[string]Set{
		"#Binaries": NewSet("bin/a", "bin/b"),
	}

	set, err := r.Resolve("#Binaries", tags)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bin/a", "bin/b"}, set.Sorted())

	// The returned set is a copy; mutating it must not touch the tag map.
	set.Add("bin/c")
	assert.Len(t, tags["#Binaries"], 2)
}

func TestResolver_UnknownTag(t *testing.T) {
	r := NewResolver(t.TempDir())

	_, err := r.Resolve("#Missing", map[string]Set{})
	assert.Error(t, err)
}

func TestResolver_Subtraction(t *testing.T) {
	r := NewResolver(t.TempDir())
	tags := map[string]Set{
		"#All":  NewSet("a.txt", "b.txt", "c.txt"),
		"#Docs": NewSet("b.txt"),
	}

	set, err := r.Resolve("#All;-#Docs", tags)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "c.txt"}, set.Sorted())
}

func TestResolver_SegmentWildcards(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"Source/main.go",
		"Source/util.go",
		"Source/notes.txt",
		"Source/sub/deep.go",
	)
	r := NewResolver(dir)

	set, err := r.Resolve("Source/*.go", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Source/main.go", "Source/util.go"}, set.Sorted())

	set, err = r.Resolve("Source/util.g?", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Source/util.go"}, set.Sorted())
}

func TestResolver_EllipsisWildcards(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"Build/out.bin",
		"Build/logs/run.log",
		"Build/logs/archive/old.log",
		"Other/run.log",
	)
	r := NewResolver(dir)

	set, err := r.Resolve("Build/...", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"Build/out.bin", "Build/logs/run.log", "Build/logs/archive/old.log",
	}, set.Sorted())

	set, err = r.Resolve("Build/....log", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"Build/logs/run.log", "Build/logs/archive/old.log",
	}, set.Sorted())
}

func TestResolver_WildcardWithSubtraction(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "bin/a.dll", "bin/a.pdb", "bin/b.dll")
	r := NewResolver(dir)

	set, err := r.Resolve("bin/...;-bin/*.pdb", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bin/a.dll", "bin/b.dll"}, set.Sorted())
}

func TestResolver_Normalize(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir)

	assert.Equal(t, "a/b.txt", r.Normalize("a/b.txt"))
	assert.Equal(t, "a/b.txt", r.Normalize(filepath.Join(dir, "a", "b.txt")))

	outside := filepath.ToSlash(filepath.Join(filepath.Dir(dir), "elsewhere.txt"))
	assert.Equal(t, outside, r.Normalize(filepath.FromSlash(outside)))
}

func TestResolver_AbsoluteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir)

	rel := r.Normalize("x/y.txt")
	assert.Equal(t, filepath.Join(dir, "x", "y.txt"), r.Absolute(rel))
}

func TestSet_Operations(t *testing.T) {
	s := NewSet("a", "b")
	s.Union(NewSet("b", "c"))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, s.Sorted())

	s.Subtract(NewSet("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, s.Sorted())

	clone := s.Clone()
	clone.Add("d")
	assert.False(t, s.Contains("d"))
	assert.True(t, clone.Contains("d"))
}
