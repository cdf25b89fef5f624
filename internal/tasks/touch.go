package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forgegraph/internal/filespec"
)

// touchTask creates files or refreshes their timestamps.
type touchTask struct {
	files string
	tag   []string
}

func newTouchDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "Touch",
		Description: "Creates the named files if missing, or updates their modification times.",
		Params: []ParamSpec{
			{Name: "Files", Kind: KindFileSpec, Description: "Files to touch. Non-wildcard paths are created if absent."},
			{Name: "Tag", Kind: KindTagList, Optional: true, Description: "Tag or tags to apply to the touched files."},
		},
		Construct: func(params Params) (Task, error) {
			return &touchTask{
				files: params.String("Files"),
				tag:   params.List("Tag"),
			}, nil
		},
	}
}

func (t *touchTask) Name() string { return "Touch" }

func (t *touchTask) Execute(ctx *ExecContext) error {
	files, err := ctx.ResolveFiles(t.files)
	if err != nil {
		return fmt.Errorf("failed to resolve Files: %w", err)
	}

	touched := filespec.NewSet()
	now := time.Now()
	for _, rel := range files.Sorted() {
		abs := ctx.Resolver.Absolute(rel)
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", rel, err)
			}
			f, err := os.Create(abs)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", rel, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
		} else if err := os.Chtimes(abs, now, now); err != nil {
			return fmt.Errorf("failed to touch %s: %w", rel, err)
		}
		touched.Add(rel)
	}

	ctx.RecordProducts(touched)
	for _, tag := range t.tag {
		ctx.AddToTag(tag, touched)
	}
	return nil
}

func (t *touchTask) InputTags() []string {
	return tagsIn(t.files)
}

func (t *touchTask) OutputTags() []string {
	return t.tag
}
