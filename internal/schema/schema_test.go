package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgegraph/internal/tasks"
)

func TestSchema_Elements(t *testing.T) {
	s := New(tasks.DefaultRegistry())

	for _, name := range []string{
		"BuildGraph", "Include", "Option", "EnvVar", "Property", "Macro",
		"Expand", "Agent", "Node", "Aggregate", "Report", "Notify", "Trigger",
		"Label", "Annotation", "Warning", "Error", "Do", "ForEach", "Switch",
		"Case", "Default",
	} {
		_, ok := s.Element(name)
		assert.True(t, ok, "structural element %s should exist", name)
	}

	// Registered tasks appear as elements too.
	spec, ok := s.Element("Copy")
	require.True(t, ok)
	assert.True(t, spec.Task)

	_, ok = s.Element("Compile")
	assert.False(t, ok)
}

func TestSchema_AttrLookup(t *testing.T) {
	s := New(tasks.DefaultRegistry())

	node, _ := s.Element("Node")
	name, ok := node.Attr("Name")
	require.True(t, ok)
	assert.True(t, name.Required)
	assert.Equal(t, TypeName, name.Type)

	requires, ok := node.Attr("Requires")
	require.True(t, ok)
	assert.False(t, requires.Required)

	_, ok = node.Attr("Bogus")
	assert.False(t, ok)

	// Task attributes come from the parameter schema, plus If.
	copySpec, _ := s.Element("Copy")
	from, ok := copySpec.Attr("From")
	require.True(t, ok)
	assert.True(t, from.Required)
	assert.Equal(t, TypeFileSpec, from.Type)
	_, ok = copySpec.Attr("If")
	assert.True(t, ok)
}

func TestSchema_Write(t *testing.T) {
	s := New(tasks.DefaultRegistry())

	var sb strings.Builder
	require.NoError(t, s.Write(&sb))

	out := sb.String()
	assert.Contains(t, out, "xs:schema")
	assert.Contains(t, out, `name="BuildGraph"`)
	assert.Contains(t, out, `name="Copy"`)
	assert.Contains(t, out, `use="required"`)
}
