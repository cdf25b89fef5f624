package tasks

import (
	"fmt"
)

// tagTask applies a tag to a resolved set of files.
type tagTask struct {
	files  string
	except string
	with   []string
}

func newTagDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "Tag",
		Description: "Applies a tag to a given set of files, so they can be referenced by other tasks via #TagName syntax.",
		Params: []ParamSpec{
			{Name: "Files", Kind: KindFileSpec, Description: "Files to tag; may include wildcards and other tag names."},
			{Name: "Except", Kind: KindFileSpec, Optional: true, Description: "Files to exclude from the tagged set."},
			{Name: "With", Kind: KindTagList, Description: "Tag or tags to apply."},
		},
		Construct: func(params Params) (Task, error) {
			return &tagTask{
				files:  params.String("Files"),
				except: params.String("Except"),
				with:   params.List("With"),
			}, nil
		},
	}
}

func (t *tagTask) Name() string { return "Tag" }

func (t *tagTask) Execute(ctx *ExecContext) error {
	files, err := ctx.ResolveFiles(t.files)
	if err != nil {
		return fmt.Errorf("failed to resolve Files: %w", err)
	}
	if t.except != "" {
		except, err := ctx.ResolveFiles(t.except)
		if err != nil {
			return fmt.Errorf("failed to resolve Except: %w", err)
		}
		files.Subtract(except)
	}
	for _, tag := range t.with {
		ctx.AddToTag(tag, files)
	}
	ctx.Logger.Debug("tagged files", "count", len(files), "with", t.with)
	return nil
}

func (t *tagTask) InputTags() []string {
	return tagsIn(t.files, t.except)
}

func (t *tagTask) OutputTags() []string {
	return t.with
}
