package filespec

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Resolver expands file specs against a workspace root and a tag map.
type Resolver struct {
	// WorkspaceDir anchors relative paths and wildcards.
	WorkspaceDir string
}

func NewResolver(workspaceDir string) *Resolver {
	return &Resolver{WorkspaceDir: filepath.Clean(workspaceDir)}
}

// Resolve evaluates spec left to right, starting from the empty set. Items
// prefixed '-' subtract; '#Tag' items are looked up in tags; anything
// containing '...', '*' or '?' is matched against the filesystem.
func (r *Resolver) Resolve(spec string, tags map[string]Set) (Set, error) {
	result := NewSet()
	for _, item := range strings.Split(spec, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		subtract := false
		if strings.HasPrefix(item, "-") {
			subtract = true
			item = strings.TrimSpace(item[1:])
			if item == "" {
				continue
			}
		}

		set, err := r.resolveItem(item, tags)
		if err != nil {
			return nil, err
		}
		if subtract {
			result.Subtract(set)
		} else {
			result.Union(set)
		}
	}
	return result, nil
}

func (r *Resolver) resolveItem(item string, tags map[string]Set) (Set, error) {
	if strings.HasPrefix(item, "#") {
		set, ok := tags[item]
		if !ok {
			return nil, fmt.Errorf("tag %q is not defined in this context", item)
		}
		return set.Clone(), nil
	}

	if strings.ContainsAny(item, "*?") || strings.Contains(item, "...") {
		return r.glob(item)
	}

	return NewSet(r.Normalize(item)), nil
}

// Normalize converts a path to the canonical set representation: workspace
// relative with forward slashes when under the workspace root, absolute
// otherwise.
func (r *Resolver) Normalize(p string) string {
	p = filepath.FromSlash(strings.TrimSpace(p))
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.WorkspaceDir, p)
	}
	p = filepath.Clean(p)

	if rel, err := filepath.Rel(r.WorkspaceDir, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(p)
}

// Absolute converts a set entry back to an absolute filesystem path.
func (r *Resolver) Absolute(p string) string {
	if filepath.IsAbs(filepath.FromSlash(p)) {
		return filepath.FromSlash(p)
	}
	return filepath.Join(r.WorkspaceDir, filepath.FromSlash(p))
}

func (r *Resolver) glob(item string) (Set, error) {
	item = strings.ReplaceAll(item, "\\", "/")

	rootDir := r.WorkspaceDir
	rooted := false
	if strings.HasPrefix(item, "/") {
		rootDir = string(filepath.Separator)
		item = strings.TrimPrefix(item, "/")
		rooted = true
	} else if len(item) > 1 && item[1] == ':' {
		rootDir = item[:2] + string(filepath.Separator)
		item = strings.TrimPrefix(item[2:], "/")
		rooted = true
	}

	result := NewSet()
	fsys := os.DirFS(rootDir)
	for _, pattern := range translatePatterns(item) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid wildcard %q", item)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			if err == filepath.ErrBadPattern {
				return nil, fmt.Errorf("invalid wildcard %q", item)
			}
			return nil, fmt.Errorf("failed to match %q: %w", item, err)
		}
		for _, m := range matches {
			if rooted {
				result.Add(r.Normalize(filepath.Join(rootDir, filepath.FromSlash(m))))
			} else {
				result.Add(path.Clean(m))
			}
		}
	}
	return result, nil
}

// translatePatterns converts one Perforce style pattern into the glob
// patterns that together cover it. '...' spans directories, '*' and '?'
// stay within one path segment.
func translatePatterns(item string) []string {
	segments := strings.Split(item, "/")
	patterns := []string{""}
	for _, seg := range segments {
		var alternatives []string
		switch {
		case seg == "...":
			// Matches zero or more directories; trailing '...' therefore
			// covers everything below this point.
			alternatives = []string{"**"}
		case strings.Contains(seg, "..."):
			alternatives = expandEmbeddedEllipsis(seg)
		default:
			alternatives = []string{seg}
		}

		next := make([]string, 0, len(patterns)*len(alternatives))
		for _, prefix := range patterns {
			for _, alt := range alternatives {
				if prefix == "" {
					next = append(next, alt)
				} else {
					next = append(next, prefix+"/"+alt)
				}
			}
		}
		patterns = next
	}
	return patterns
}

// expandEmbeddedEllipsis handles a '...' appearing inside one segment, e.g.
// "...txt" or "Foo...". The ellipsis may cross directory boundaries, so the
// segment expands to both a same-directory and a recursive form.
func expandEmbeddedEllipsis(seg string) []string {
	idx := strings.Index(seg, "...")
	prefix := seg[:idx]
	suffix := seg[idx+3:]

	sameDir := prefix + "*" + suffix
	if suffix == "" {
		return []string{sameDir, prefix + "*/**"}
	}
	if prefix == "" {
		return []string{sameDir, "**/*" + suffix}
	}
	return []string{sameDir, prefix + "*/**/*" + suffix}
}
