// Package reader parses build script documents into a Graph, layering
// property expansion, condition evaluation and schema validation over a
// streaming XML token reader.
package reader

import (
	"encoding/xml"
	"io"
	"os"
	"sort"
	"strings"

	"forgegraph/internal/graph"
	"forgegraph/pkg/errors"
)

// element is one raw markup element: name, ordered attributes, children and
// the line its start tag ends on. Attribute values are unexpanded; expansion happens
// when the element is processed, which for macro bodies is at Expand time.
type element struct {
	name     string
	attrs    []graph.Attr
	children []*element
	line     int
}

// attr returns the raw value of the named attribute.
func (e *element) attr(name string) (string, bool) {
	for _, a := range e.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// parseScript reads the document at path into an element tree rooted at the
// BuildGraph element.
func parseScript(path string) (*element, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ParseError{Script: path, Message: err.Error()}
	}

	// Offsets of line starts, for mapping decoder positions to line numbers.
	lineStarts := []int{0}
	for i, c := range data {
		if c == '\n' {
			lineStarts = append(lineStarts, i+1)
		}
	}
	lineAt := func(offset int64) int {
		return sort.Search(len(lineStarts), func(i int) bool {
			return int64(lineStarts[i]) > offset
		})
	}

	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	var root *element
	var stack []*element

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errors.ParseError{Script: path, Line: lineAt(decoder.InputOffset()), Message: err.Error()}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			elem := &element{name: t.Name.Local, line: lineAt(decoder.InputOffset())}
			for _, a := range t.Attr {
				if a.Name.Space != "" && a.Name.Space != "xmlns" {
					continue
				}
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				elem.attrs = append(elem.attrs, graph.Attr{Name: a.Name.Local, Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, &errors.ParseError{Script: path, Line: elem.line, Message: "multiple root elements"}
				}
				root = elem
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, elem)
			}
			stack = append(stack, elem)

		case xml.EndElement:
			stack = stack[:len(stack)-1]

		case xml.CharData:
			if len(stack) > 0 && strings.TrimSpace(string(t)) != "" {
				return nil, &errors.ParseError{Script: path, Line: lineAt(decoder.InputOffset()), Message: "unexpected text content"}
			}
		}
	}

	if root == nil {
		return nil, &errors.ParseError{Script: path, Message: "document has no root element"}
	}
	if root.name != "BuildGraph" {
		return nil, &errors.ParseError{Script: path, Line: root.line, Message: "root element must be <BuildGraph>"}
	}
	return root, nil
}
