package tasks

import (
	"fmt"
)

// logTask prints a message, optionally listing a resolved file set.
type logTask struct {
	message string
	files   string
}

func newLogDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "Log",
		Description: "Prints a message, and optionally the files matching a given spec.",
		Params: []ParamSpec{
			{Name: "Message", Kind: KindString, Optional: true, Description: "Message to print."},
			{Name: "Files", Kind: KindFileSpec, Optional: true, Description: "Files to enumerate after the message."},
		},
		Construct: func(params Params) (Task, error) {
			return &logTask{
				message: params.String("Message"),
				files:   params.String("Files"),
			}, nil
		},
	}
}

func (t *logTask) Name() string { return "Log" }

func (t *logTask) Execute(ctx *ExecContext) error {
	if t.message != "" {
		ctx.Logger.Info(t.message)
	}
	if t.files != "" {
		files, err := ctx.ResolveFiles(t.files)
		if err != nil {
			return fmt.Errorf("failed to resolve Files: %w", err)
		}
		for _, rel := range files.Sorted() {
			ctx.Logger.Info(rel)
		}
	}
	return nil
}

func (t *logTask) InputTags() []string {
	return tagsIn(t.files)
}

func (t *logTask) OutputTags() []string {
	return nil
}
