package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgegraph/pkg/logger"
)

func newTestStore(t *testing.T, shared bool, writeShared bool) (*Store, string, string) {
	t.Helper()
	workspace := t.TempDir()
	sharedBase := ""
	if shared {
		sharedBase = t.TempDir()
	}
	store := NewStore(workspace, sharedBase, "dev/main", "1234", writeShared, logger.New())
	return store, workspace, sharedBase
}

func writeWorkspaceFile(t *testing.T, workspace, rel, content string) {
	t.Helper()
	abs := filepath.Join(workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
}

func TestTicksRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(100 * time.Nanosecond)
	assert.True(t, FromTicks(ToTicks(now)).Equal(now))

	// The Unix epoch lands on the documented tick count.
	assert.Equal(t, int64(621355968000000000), ToTicks(time.Unix(0, 0)))
}

func TestBlock_BaseName(t *testing.T) {
	assert.Equal(t, "A", Block{NodeName: "A"}.BaseName())
	assert.Equal(t, "A@Tools", Block{NodeName: "A", OutputName: "Tools"}.BaseName())
}

func TestStore_ArchiveLocalOnly(t *testing.T) {
	store, workspace, _ := newTestStore(t, false, false)
	writeWorkspaceFile(t, workspace, "bin/a.txt", "alpha")

	manifest, err := store.Archive(Block{NodeName: "A"}, []string{"bin/a.txt"}, false)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 1)
	assert.Equal(t, "bin/a.txt", manifest.Files[0].Name)
	assert.Equal(t, int64(5), manifest.Files[0].Length)
	assert.Len(t, manifest.Files[0].Digest, 40)

	// The manifest must be readable back through Retrieve.
	read, err := store.Retrieve(Block{NodeName: "A"})
	require.NoError(t, err)
	assert.Equal(t, manifest.Files, read.Files)
}

func TestStore_SharedRoundTrip(t *testing.T) {
	producer, workspace, sharedBase := newTestStore(t, true, true)
	writeWorkspaceFile(t, workspace, "out/data.bin", "payload")

	block := Block{NodeName: "Make", OutputName: "Data"}
	_, err := producer.Archive(block, []string{"out/data.bin"}, true)
	require.NoError(t, err)
	require.NoError(t, producer.WriteFileList("Make", "#Data", []string{"out/data.bin"}, []Block{block}, true))
	require.NoError(t, producer.MarkComplete("Make"))

	// The shared layout is <shared>/<branch>/<change>/<node>/<block>.zip
	// with the branch separator escaped.
	zipPath := filepath.Join(sharedBase, "dev+main", "1234", "Make", "Make@Data.zip")
	_, err = os.Stat(zipPath)
	require.NoError(t, err)

	// A second workspace plays the consuming agent: it must see the file
	// list, pull the archive and unpack the file.
	consumer := NewStore(t.TempDir(), sharedBase, "dev/main", "1234", false, logger.New())

	list, err := consumer.ReadFileList("Make", "#Data")
	require.NoError(t, err)
	require.Len(t, list.Files, 1)
	require.Len(t, list.Blocks, 1)

	manifest, err := consumer.Retrieve(list.Blocks[0])
	require.NoError(t, err)
	require.Len(t, manifest.Files, 1)

	data, err := os.ReadFile(filepath.Join(consumer.workspaceDir, "out", "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// The consumer also sees the producer's completion marker via shared
	// storage.
	assert.True(t, consumer.IsComplete("Make", []string{"#Data"}))
}

func TestStore_RetrieveMissingBlock(t *testing.T) {
	store, _, _ := newTestStore(t, false, false)

	_, err := store.Retrieve(Block{NodeName: "Ghost"})
	assert.Error(t, err)
}

func TestStore_IsCompleteNeedsFileLists(t *testing.T) {
	store, workspace, _ := newTestStore(t, false, false)
	writeWorkspaceFile(t, workspace, "a.txt", "a")

	_, err := store.Archive(Block{NodeName: "A"}, []string{"a.txt"}, false)
	require.NoError(t, err)
	require.NoError(t, store.MarkComplete("A"))

	// Marker alone is not sufficient when a tag's file list is missing.
	assert.True(t, store.IsComplete("A", []string{}))
	assert.False(t, store.IsComplete("A", []string{"#A"}))

	require.NoError(t, store.WriteFileList("A", "#A", []string{"a.txt"}, []Block{{NodeName: "A"}}, false))
	assert.True(t, store.IsComplete("A", []string{"#A"}))
}

func TestStore_CheckLocalIntegrity(t *testing.T) {
	store, workspace, _ := newTestStore(t, false, false)
	writeWorkspaceFile(t, workspace, "bin/out.txt", "original")

	block := Block{NodeName: "A"}
	_, err := store.Archive(block, []string{"bin/out.txt"}, false)
	require.NoError(t, err)
	require.NoError(t, store.WriteFileList("A", "#A", []string{"bin/out.txt"}, []Block{block}, false))
	require.NoError(t, store.MarkComplete("A"))

	assert.True(t, store.CheckLocalIntegrity("A", []string{"#A"}))

	// Change the file; length differs, so the node's local state must be
	// wiped and the check must fail.
	writeWorkspaceFile(t, workspace, "bin/out.txt", "tampered-now")
	assert.False(t, store.CheckLocalIntegrity("A", []string{"#A"}))
	assert.False(t, store.IsComplete("A", []string{"#A"}))
}

func TestStore_CleanLocalNode(t *testing.T) {
	store, workspace, _ := newTestStore(t, false, false)
	writeWorkspaceFile(t, workspace, "a.txt", "a")
	writeWorkspaceFile(t, workspace, "b.txt", "b")

	_, err := store.Archive(Block{NodeName: "A"}, []string{"a.txt"}, false)
	require.NoError(t, err)
	require.NoError(t, store.WriteFileList("A", "#A", []string{"a.txt"}, []Block{{NodeName: "A"}}, false))
	require.NoError(t, store.MarkComplete("A"))

	_, err = store.Archive(Block{NodeName: "B"}, []string{"b.txt"}, false)
	require.NoError(t, err)
	require.NoError(t, store.MarkComplete("B"))

	store.CleanLocalNode("A")
	assert.False(t, store.IsComplete("A", nil))
	assert.True(t, store.IsComplete("B", nil))

	require.NoError(t, store.CleanLocal())
	assert.False(t, store.IsComplete("B", nil))
}

func TestStore_AtomicWriteLeavesNoTemp(t *testing.T) {
	store, workspace, _ := newTestStore(t, false, false)
	writeWorkspaceFile(t, workspace, "a.txt", "a")

	_, err := store.Archive(Block{NodeName: "A"}, []string{"a.txt"}, false)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(workspace, filepath.FromSlash(localSubDir)))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp")
	}
}
