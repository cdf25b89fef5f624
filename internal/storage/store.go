package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"forgegraph/pkg/errors"
	"forgegraph/pkg/logger"
)

// localSubDir is the per workspace cache location, relative to the
// workspace root.
const localSubDir = "Engine/Saved/BuildGraph"

// Store is the temp storage layer for one workspace. The local directory is
// always present; the shared directory is optional and partitioned by
// branch and changelist.
type Store struct {
	workspaceDir string
	localDir     string
	sharedDir    string
	writeShared  bool
	logger       *logger.Logger
}

// NewStore creates a store rooted at workspaceDir. sharedBaseDir may be
// empty to disable shared storage; branch separators are escaped so any
// branch name maps to one directory level.
func NewStore(workspaceDir, sharedBaseDir, branch, change string, writeShared bool, log *logger.Logger) *Store {
	s := &Store{
		workspaceDir: workspaceDir,
		localDir:     filepath.Join(workspaceDir, filepath.FromSlash(localSubDir)),
		writeShared:  writeShared,
		logger:       log.WithField("component", "storage"),
	}
	if sharedBaseDir != "" {
		escaped := strings.ReplaceAll(strings.Trim(branch, "/"), "/", "+")
		s.sharedDir = filepath.Join(sharedBaseDir, escaped, change)
	}
	return s
}

// HasSharedDir reports whether a shared directory is configured.
func (s *Store) HasSharedDir() bool {
	return s.sharedDir != ""
}

func (s *Store) localPath(name string) string {
	return filepath.Join(s.localDir, name)
}

func (s *Store) sharedPath(nodeName, name string) string {
	return filepath.Join(s.sharedDir, nodeName, name)
}

func fileListName(nodeName, tagName string) string {
	return nodeName + "+" + strings.TrimPrefix(tagName, "#") + ".xml"
}

// writeAtomic writes data to a sibling temp path and renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Archive captures the given workspace relative files as one block: a local
// manifest always, plus a zip archive and manifest in shared storage when
// pushToShared is set and writing is allowed.
func (s *Store) Archive(block Block, files []string, pushToShared bool) (*Manifest, error) {
	manifest := &Manifest{}
	for _, rel := range files {
		abs := filepath.Join(s.workspaceDir, filepath.FromSlash(rel))
		entry, err := describeFile(abs, rel)
		if err != nil {
			return nil, &errors.StorageError{Path: rel, Operation: "archive", Err: err}
		}
		manifest.Files = append(manifest.Files, entry)
	}

	data, err := marshalXML(manifest)
	if err != nil {
		return nil, &errors.StorageError{Path: block.BaseName(), Operation: "archive", Err: err}
	}
	if err := writeAtomic(s.localPath(block.BaseName()+".manifest"), data); err != nil {
		return nil, &errors.StorageError{Path: block.BaseName(), Operation: "archive", Err: err}
	}

	if pushToShared && s.sharedDir != "" && s.writeShared {
		zipPath := s.sharedPath(block.NodeName, block.BaseName()+".zip")
		if err := s.writeZip(zipPath, manifest); err != nil {
			return nil, err
		}
		if err := writeAtomic(s.sharedPath(block.NodeName, block.BaseName()+".manifest"), data); err != nil {
			return nil, &errors.StorageError{Path: zipPath, Operation: "archive", Err: err}
		}
		s.logger.Debug("pushed block to shared storage", "block", block.BaseName())
	}
	return manifest, nil
}

func (s *Store) writeZip(zipPath string, manifest *Manifest) error {
	if err := os.MkdirAll(filepath.Dir(zipPath), 0755); err != nil {
		return &errors.StorageError{Path: zipPath, Operation: "archive", Err: err}
	}

	tmp := zipPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return &errors.StorageError{Path: zipPath, Operation: "archive", Err: err}
	}

	zw := zip.NewWriter(f)
	for _, entry := range manifest.Files {
		w, err := zw.Create(entry.Name)
		if err == nil {
			err = s.copyWorkspaceFile(w, entry.Name)
		}
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			_ = os.Remove(tmp)
			return &errors.StorageError{Path: entry.Name, Operation: "archive", Err: err}
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return &errors.StorageError{Path: zipPath, Operation: "archive", Err: err}
	}
	if err := f.Close(); err != nil {
		return &errors.StorageError{Path: zipPath, Operation: "archive", Err: err}
	}
	if err := os.Rename(tmp, zipPath); err != nil {
		return &errors.StorageError{Path: zipPath, Operation: "archive", Err: err}
	}
	return nil
}

func (s *Store) copyWorkspaceFile(w io.Writer, rel string) error {
	f, err := os.Open(filepath.Join(s.workspaceDir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}

// Retrieve returns the manifest for a block, preferring the local cache.
// When only shared storage has it, the archive is unpacked into the
// workspace and the manifest cached locally.
func (s *Store) Retrieve(block Block) (*Manifest, error) {
	localManifest := s.localPath(block.BaseName() + ".manifest")
	if manifest, err := readManifestFile(localManifest); err == nil {
		return manifest, nil
	} else if !os.IsNotExist(err) {
		return nil, &errors.StorageError{Path: localManifest, Operation: "retrieve", Err: err}
	}

	if s.sharedDir == "" {
		return nil, &errors.StorageError{Path: block.BaseName(), Operation: "retrieve",
			Err: fmt.Errorf("block is not in local storage and no shared directory is configured")}
	}

	sharedManifest := s.sharedPath(block.NodeName, block.BaseName()+".manifest")
	manifest, err := readManifestFile(sharedManifest)
	if err != nil {
		return nil, &errors.StorageError{Path: sharedManifest, Operation: "retrieve", Err: err}
	}

	zipPath := s.sharedPath(block.NodeName, block.BaseName()+".zip")
	if err := s.extractZip(zipPath); err != nil {
		return nil, err
	}
	for _, entry := range manifest.Files {
		modTime := FromTicks(entry.LastWriteTimeUTC)
		dst := filepath.Join(s.workspaceDir, filepath.FromSlash(entry.Name))
		if err := os.Chtimes(dst, modTime, modTime); err != nil {
			return nil, &errors.StorageError{Path: entry.Name, Operation: "retrieve", Err: err}
		}
	}

	data, err := marshalXML(manifest)
	if err == nil {
		err = writeAtomic(s.localPath(block.BaseName()+".manifest"), data)
	}
	if err != nil {
		return nil, &errors.StorageError{Path: block.BaseName(), Operation: "retrieve", Err: err}
	}
	s.logger.Info("retrieved block from shared storage", "block", block.BaseName())
	return manifest, nil
}

func (s *Store) extractZip(zipPath string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return &errors.StorageError{Path: zipPath, Operation: "retrieve", Err: err}
	}
	defer func() { _ = zr.Close() }()

	for _, entry := range zr.File {
		rel := filepath.FromSlash(entry.Name)
		if strings.Contains(entry.Name, "..") {
			return &errors.StorageError{Path: entry.Name, Operation: "retrieve",
				Err: fmt.Errorf("archive entry escapes the workspace")}
		}
		dst := filepath.Join(s.workspaceDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return &errors.StorageError{Path: dst, Operation: "retrieve", Err: err}
		}

		rc, err := entry.Open()
		if err != nil {
			return &errors.StorageError{Path: entry.Name, Operation: "retrieve", Err: err}
		}
		f, err := os.Create(dst)
		if err == nil {
			_, err = io.Copy(f, rc)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		_ = rc.Close()
		if err != nil {
			return &errors.StorageError{Path: dst, Operation: "retrieve", Err: err}
		}
		_ = os.Chtimes(dst, entry.Modified, entry.Modified)
	}
	return nil
}

// WriteFileList records the file set for one output tag and the blocks that
// cover it.
func (s *Store) WriteFileList(nodeName, tagName string, files []string, blocks []Block, pushToShared bool) error {
	list := &FileList{Blocks: blocks}
	for _, rel := range files {
		list.Files = append(list.Files, FileListItem{Name: rel})
	}

	data, err := marshalXML(list)
	if err != nil {
		return &errors.StorageError{Path: tagName, Operation: "write-file-list", Err: err}
	}
	name := fileListName(nodeName, tagName)
	if err := writeAtomic(s.localPath(name), data); err != nil {
		return &errors.StorageError{Path: name, Operation: "write-file-list", Err: err}
	}
	if pushToShared && s.sharedDir != "" && s.writeShared {
		if err := writeAtomic(s.sharedPath(nodeName, name), data); err != nil {
			return &errors.StorageError{Path: name, Operation: "write-file-list", Err: err}
		}
	}
	return nil
}

// ReadFileList returns the file list for one output tag, preferring the
// local copy and caching the shared copy locally on a miss.
func (s *Store) ReadFileList(nodeName, tagName string) (*FileList, error) {
	name := fileListName(nodeName, tagName)
	if list, err := readFileListFile(s.localPath(name)); err == nil {
		return list, nil
	} else if !os.IsNotExist(err) {
		return nil, &errors.StorageError{Path: name, Operation: "read-file-list", Err: err}
	}

	if s.sharedDir == "" {
		return nil, &errors.StorageError{Path: name, Operation: "read-file-list",
			Err: fmt.Errorf("file list is not in local storage and no shared directory is configured")}
	}
	list, err := readFileListFile(s.sharedPath(nodeName, name))
	if err != nil {
		return nil, &errors.StorageError{Path: name, Operation: "read-file-list", Err: err}
	}

	data, err := marshalXML(list)
	if err == nil {
		err = writeAtomic(s.localPath(name), data)
	}
	if err != nil {
		return nil, &errors.StorageError{Path: name, Operation: "read-file-list", Err: err}
	}
	return list, nil
}

// MarkComplete writes the zero byte completion marker for a node, locally
// and in shared storage when available. This is strictly the last write for
// the node.
func (s *Store) MarkComplete(nodeName string) error {
	marker := nodeName + ".complete"
	if err := writeAtomic(s.localPath(marker), nil); err != nil {
		return &errors.StorageError{Path: marker, Operation: "mark-complete", Err: err}
	}
	if s.sharedDir != "" && s.writeShared {
		if err := writeAtomic(s.sharedPath(nodeName, marker), nil); err != nil {
			return &errors.StorageError{Path: marker, Operation: "mark-complete", Err: err}
		}
	}
	return nil
}

// IsComplete reports whether a node finished in this workspace (or, with
// shared storage, in this job). The marker alone is not trusted: every
// expected tag must still have a file list alongside it.
func (s *Store) IsComplete(nodeName string, expectedTags []string) bool {
	marker := nodeName + ".complete"
	local := fileExists(s.localPath(marker))
	shared := s.sharedDir != "" && fileExists(s.sharedPath(nodeName, marker))
	if !local && !shared {
		return false
	}
	for _, tag := range expectedTags {
		name := fileListName(nodeName, tag)
		if local && fileExists(s.localPath(name)) {
			continue
		}
		if shared && fileExists(s.sharedPath(nodeName, name)) {
			continue
		}
		return false
	}
	return true
}

// CheckLocalIntegrity verifies the local cache for a node: every manifest
// file must match the workspace by length and timestamp, and every expected
// tag must have a file list. On any mismatch the node's entire local state
// is deleted and false is returned.
func (s *Store) CheckLocalIntegrity(nodeName string, expectedTags []string) bool {
	if !fileExists(s.localPath(nodeName + ".complete")) {
		return false
	}

	ok := true
	for _, tag := range expectedTags {
		if !fileExists(s.localPath(fileListName(nodeName, tag))) {
			ok = false
			break
		}
	}

	if ok {
		for _, manifestPath := range s.localNodeManifests(nodeName) {
			manifest, err := readManifestFile(manifestPath)
			if err != nil {
				ok = false
				break
			}
			for _, entry := range manifest.Files {
				if !entry.Matches(filepath.Join(s.workspaceDir, filepath.FromSlash(entry.Name))) {
					s.logger.Debug("local output out of date", "node", nodeName, "file", entry.Name)
					ok = false
					break
				}
			}
			if !ok {
				break
			}
		}
	}

	if !ok {
		s.CleanLocalNode(nodeName)
	}
	return ok
}

// localNodeManifests lists the local manifest paths belonging to one node:
// the default block plus any named output blocks.
func (s *Store) localNodeManifests(nodeName string) []string {
	var paths []string
	entries, err := os.ReadDir(s.localDir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".manifest") {
			continue
		}
		base := strings.TrimSuffix(name, ".manifest")
		if base == nodeName || strings.HasPrefix(base, nodeName+"@") {
			paths = append(paths, s.localPath(name))
		}
	}
	return paths
}

// CleanLocal removes the whole local cache. Shared archives are the source
// of truth and are never removed.
func (s *Store) CleanLocal() error {
	if err := os.RemoveAll(s.localDir); err != nil {
		return &errors.StorageError{Path: s.localDir, Operation: "clean", Err: err}
	}
	return nil
}

// CleanLocalNode removes the markers, manifests, archives and file lists
// for one node from the local cache.
func (s *Store) CleanLocalNode(nodeName string) {
	entries, err := os.ReadDir(s.localDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		base := name
		if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
			base = name[:idx]
		}
		if base == nodeName ||
			strings.HasPrefix(base, nodeName+"@") ||
			strings.HasPrefix(base, nodeName+"+") {
			_ = os.Remove(s.localPath(name))
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
