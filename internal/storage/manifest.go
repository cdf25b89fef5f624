// Package storage implements the temp storage layer: per block manifests,
// per tag file lists, a local per workspace cache and an optional shared
// directory for cross agent transfer. Writes are atomic (temp then rename);
// completion markers are written strictly last.
package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"time"
)

// ticksEpochOffset converts between Unix time and .NET style UTC ticks
// (100ns intervals since 0001-01-01), the timestamp representation stored
// in manifests.
const ticksEpochOffset = 621355968000000000

// ToTicks converts a time to UTC ticks.
func ToTicks(t time.Time) int64 {
	return t.UTC().UnixNano()/100 + ticksEpochOffset
}

// FromTicks converts UTC ticks back to a time.
func FromTicks(ticks int64) time.Time {
	return time.Unix(0, (ticks-ticksEpochOffset)*100).UTC()
}

// Block identifies one unit of persisted output: a producing node plus an
// output name, where the empty output name designates the default output.
type Block struct {
	NodeName   string `xml:"Node,attr"`
	OutputName string `xml:"Output,attr"`
}

// BaseName returns the file base name for the block's archive and manifest.
func (b Block) BaseName() string {
	if b.OutputName == "" {
		return b.NodeName
	}
	return b.NodeName + "@" + b.OutputName
}

// ManifestFile records one file in a block: its workspace relative path
// with forward slashes, length, last write time and content digest.
type ManifestFile struct {
	Name             string `xml:"Name,attr"`
	Length           int64  `xml:"Length,attr"`
	LastWriteTimeUTC int64  `xml:"LastWriteTimeUtcTicks,attr"`
	Digest           string `xml:"Digest,attr"`
}

// Manifest is the ordered file list for one block.
type Manifest struct {
	XMLName xml.Name       `xml:"TempStorageManifest"`
	Files   []ManifestFile `xml:"File"`
}

// FileList records, for one output tag, the files that compose it and the
// blocks that between them physically contain those files.
type FileList struct {
	XMLName xml.Name       `xml:"TempStorageFileList"`
	Files   []FileListItem `xml:"File"`
	Blocks  []Block        `xml:"Block"`
}

// FileListItem is one file entry of a FileList.
type FileListItem struct {
	Name string `xml:"Name,attr"`
}

// describeFile stats and hashes one workspace file into a manifest entry.
func describeFile(absPath, relPath string) (ManifestFile, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return ManifestFile{}, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return ManifestFile{}, err
	}
	defer func() { _ = f.Close() }()

	hash := sha1.New()
	if _, err := io.Copy(hash, f); err != nil {
		return ManifestFile{}, err
	}

	return ManifestFile{
		Name:             relPath,
		Length:           info.Size(),
		LastWriteTimeUTC: ToTicks(info.ModTime()),
		Digest:           hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Matches reports whether the current file on disk still has the recorded
// length and timestamp. Hashing is deliberately skipped here; length plus
// timestamp is the cheap proxy, with the digest as the authoritative record
// for cross machine transfer.
func (f ManifestFile) Matches(absPath string) bool {
	info, err := os.Stat(absPath)
	if err != nil {
		return false
	}
	return info.Size() == f.Length && ToTicks(info.ModTime()) == f.LastWriteTimeUTC
}

func readManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := xml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("corrupt manifest %s: %w", path, err)
	}
	return &manifest, nil
}

func readFileListFile(path string) (*FileList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list FileList
	if err := xml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("corrupt file list %s: %w", path, err)
	}
	return &list, nil
}

func marshalXML(v interface{}) ([]byte, error) {
	data, err := xml.MarshalIndent(v, "", "\t")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}
