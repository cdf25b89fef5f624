package tasks

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"forgegraph/internal/filespec"
)

// copyTask copies files into a target directory, preserving their workspace
// relative paths underneath it.
type copyTask struct {
	from string
	to   string
	tag  []string
}

func newCopyDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "Copy",
		Description: "Copies files to a target directory, preserving workspace relative paths.",
		Params: []ParamSpec{
			{Name: "From", Kind: KindFileSpec, Description: "Files to copy; may include wildcards and tag names."},
			{Name: "To", Kind: KindString, Description: "Target directory, relative to the workspace root."},
			{Name: "Tag", Kind: KindTagList, Optional: true, Description: "Tag or tags to apply to the copied files."},
		},
		Construct: func(params Params) (Task, error) {
			return &copyTask{
				from: params.String("From"),
				to:   params.String("To"),
				tag:  params.List("Tag"),
			}, nil
		},
	}
}

func (t *copyTask) Name() string { return "Copy" }

func (t *copyTask) Execute(ctx *ExecContext) error {
	files, err := ctx.ResolveFiles(t.from)
	if err != nil {
		return fmt.Errorf("failed to resolve From: %w", err)
	}

	copied := filespec.NewSet()
	for _, rel := range files.Sorted() {
		src := ctx.Resolver.Absolute(rel)
		dstRel := ctx.Resolver.Normalize(filepath.Join(t.to, filepath.FromSlash(rel)))
		dst := ctx.Resolver.Absolute(dstRel)

		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		copied.Add(dstRel)
	}

	ctx.RecordProducts(copied)
	for _, tag := range t.tag {
		ctx.AddToTag(tag, copied)
	}
	ctx.Logger.Info("copied files", "count", len(copied), "to", t.to)
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (t *copyTask) InputTags() []string {
	return tagsIn(t.from)
}

func (t *copyTask) OutputTags() []string {
	return t.tag
}
