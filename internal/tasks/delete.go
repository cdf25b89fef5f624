package tasks

import (
	"fmt"
	"os"
)

// deleteTask removes files from the workspace.
type deleteTask struct {
	files string
}

func newDeleteDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "Delete",
		Description: "Deletes a set of files from the workspace.",
		Params: []ParamSpec{
			{Name: "Files", Kind: KindFileSpec, Description: "Files to delete; may include wildcards and tag names."},
		},
		Construct: func(params Params) (Task, error) {
			return &deleteTask{files: params.String("Files")}, nil
		},
	}
}

func (t *deleteTask) Name() string { return "Delete" }

func (t *deleteTask) Execute(ctx *ExecContext) error {
	files, err := ctx.ResolveFiles(t.files)
	if err != nil {
		return fmt.Errorf("failed to resolve Files: %w", err)
	}
	for _, rel := range files.Sorted() {
		if err := os.Remove(ctx.Resolver.Absolute(rel)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", rel, err)
		}
	}
	ctx.Logger.Debug("deleted files", "count", len(files))
	return nil
}

func (t *deleteTask) InputTags() []string {
	return tagsIn(t.files)
}

func (t *deleteTask) OutputTags() []string {
	return nil
}
