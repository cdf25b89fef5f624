package tasks

import (
	"fmt"
	"io"
)

// WriteDocumentation emits a markdown reference page for every registered
// task, derived from its parameter schema.
func WriteDocumentation(w io.Writer, registry *Registry) error {
	if _, err := fmt.Fprintf(w, "# Build Graph Tasks\n"); err != nil {
		return err
	}
	for _, name := range registry.SortedNames() {
		desc, _ := registry.Get(name)
		if _, err := fmt.Fprintf(w, "\n## %s\n\n%s\n", desc.Name, desc.Description); err != nil {
			return err
		}
		if len(desc.Params) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "\n| Attribute | Type | Required | Description |\n|-----------|------|----------|-------------|\n"); err != nil {
			return err
		}
		for _, param := range desc.Params {
			required := "Yes"
			if param.Optional {
				required = "No"
			}
			if _, err := fmt.Fprintf(w, "| %s | %s | %s | %s |\n", param.Name, param.Kind, required, param.Description); err != nil {
				return err
			}
		}
	}
	return nil
}
