package tasks

import "strings"

// tagsIn extracts the #Tag references named by one or more file spec
// strings. Subtracted tags still count as inputs.
func tagsIn(specs ...string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, spec := range specs {
		for _, item := range strings.Split(spec, ";") {
			item = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(item), "-"))
			if strings.HasPrefix(item, "#") && !seen[item] {
				seen[item] = true
				tags = append(tags, item)
			}
		}
	}
	return tags
}
