// Package schema describes the script vocabulary: the fixed structural
// elements plus one element per registered task, with typed attributes. The
// reader validates documents against it; the --schema option writes it out.
package schema

import (
	"encoding/xml"
	"fmt"
	"io"

	"forgegraph/internal/tasks"
)

// AttrType is the type category of one element attribute.
type AttrType int

const (
	TypeString AttrType = iota
	TypeBool
	TypeInt
	TypeEnum
	TypeName
	TypeNameList
	TypeFileSpec
	TypeTag
	TypeTagList
	TypeCondition
)

func (t AttrType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeBool:
		return "boolean"
	case TypeInt:
		return "integer"
	case TypeEnum:
		return "enum"
	case TypeName:
		return "name"
	case TypeNameList:
		return "name-list"
	case TypeFileSpec:
		return "file-spec"
	case TypeTag:
		return "tag"
	case TypeTagList:
		return "tag-list"
	case TypeCondition:
		return "condition"
	default:
		return "unknown"
	}
}

// AttrSpec describes one attribute of an element.
type AttrSpec struct {
	Name     string
	Type     AttrType
	Required bool
}

// ElementSpec describes one legal element.
type ElementSpec struct {
	Name  string
	Attrs []AttrSpec

	// Task marks elements backed by a registered task.
	Task bool

	// AllowArbitraryAttrs is set for Expand, whose attributes are macro
	// arguments validated at expansion time.
	AllowArbitraryAttrs bool
}

// Attr finds an attribute spec by name.
func (e *ElementSpec) Attr(name string) (*AttrSpec, bool) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			return &e.Attrs[i], true
		}
	}
	return nil, false
}

// Schema is the complete element vocabulary.
type Schema struct {
	elements map[string]*ElementSpec
	order    []string
	registry *tasks.Registry
}

// New builds the schema for the given task registry.
func New(registry *tasks.Registry) *Schema {
	s := &Schema{elements: make(map[string]*ElementSpec), registry: registry}

	condition := AttrSpec{Name: "If", Type: TypeCondition}

	s.add(&ElementSpec{Name: "BuildGraph"})
	s.add(&ElementSpec{Name: "Include", Attrs: []AttrSpec{
		{Name: "Script", Type: TypeFileSpec, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Option", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "DefaultValue", Type: TypeString, Required: true},
		{Name: "Description", Type: TypeString},
		{Name: "Restrict", Type: TypeString}, condition}})
	s.add(&ElementSpec{Name: "EnvVar", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Property", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "Value", Type: TypeString, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Macro", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "Arguments", Type: TypeNameList},
		{Name: "OptionalArguments", Type: TypeNameList}, condition}})
	s.add(&ElementSpec{Name: "Expand", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true}, condition},
		AllowArbitraryAttrs: true})
	s.add(&ElementSpec{Name: "Agent", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "Type", Type: TypeNameList}, condition}})
	s.add(&ElementSpec{Name: "Node", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "Requires", Type: TypeTagList},
		{Name: "Produces", Type: TypeTagList},
		{Name: "After", Type: TypeNameList},
		{Name: "Token", Type: TypeFileSpec},
		{Name: "NotifyOnWarnings", Type: TypeBool}, condition}})
	s.add(&ElementSpec{Name: "Aggregate", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "Requires", Type: TypeTagList, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Report", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "Requires", Type: TypeTagList, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Notify", Attrs: []AttrSpec{
		{Name: "Nodes", Type: TypeTagList},
		{Name: "Reports", Type: TypeNameList},
		{Name: "Users", Type: TypeNameList, Required: true},
		{Name: "Warnings", Type: TypeBool}, condition}})
	s.add(&ElementSpec{Name: "Trigger", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Label", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName},
		{Name: "Category", Type: TypeString},
		{Name: "Requires", Type: TypeTagList, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Annotation", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "Value", Type: TypeString}, condition}})
	s.add(&ElementSpec{Name: "Warning", Attrs: []AttrSpec{
		{Name: "Message", Type: TypeString, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Error", Attrs: []AttrSpec{
		{Name: "Message", Type: TypeString, Required: true}, condition}})
	s.add(&ElementSpec{Name: "Do", Attrs: []AttrSpec{condition}})
	s.add(&ElementSpec{Name: "ForEach", Attrs: []AttrSpec{
		{Name: "Name", Type: TypeName, Required: true},
		{Name: "Values", Type: TypeString, Required: true},
		{Name: "Separator", Type: TypeString}, condition}})
	s.add(&ElementSpec{Name: "Switch", Attrs: []AttrSpec{condition}})
	s.add(&ElementSpec{Name: "Case", Attrs: []AttrSpec{
		{Name: "If", Type: TypeCondition, Required: true}}})
	s.add(&ElementSpec{Name: "Default"})

	for _, name := range registry.Names() {
		desc, _ := registry.Get(name)
		spec := &ElementSpec{Name: name, Task: true}
		for _, param := range desc.Params {
			spec.Attrs = append(spec.Attrs, AttrSpec{
				Name:     param.Name,
				Type:     attrTypeForKind(param.Kind),
				Required: !param.Optional,
			})
		}
		spec.Attrs = append(spec.Attrs, condition)
		s.add(spec)
	}
	return s
}

func (s *Schema) add(spec *ElementSpec) {
	s.elements[spec.Name] = spec
	s.order = append(s.order, spec.Name)
}

// Element looks up an element spec by name.
func (s *Schema) Element(name string) (*ElementSpec, bool) {
	spec, ok := s.elements[name]
	return spec, ok
}

// Registry returns the task registry the schema was built from.
func (s *Schema) Registry() *tasks.Registry {
	return s.registry
}

func attrTypeForKind(kind tasks.ParamKind) AttrType {
	switch kind {
	case tasks.KindBool:
		return TypeBool
	case tasks.KindInt:
		return TypeInt
	case tasks.KindEnum:
		return TypeEnum
	case tasks.KindFileSpec:
		return TypeFileSpec
	case tasks.KindTagRef:
		return TypeTag
	case tasks.KindTagList:
		return TypeTagList
	case tasks.KindStringList:
		return TypeNameList
	default:
		return TypeString
	}
}

// xsd document model for Write.
type xsdSchema struct {
	XMLName  xml.Name     `xml:"xs:schema"`
	Xmlns    string       `xml:"xmlns:xs,attr"`
	Elements []xsdElement `xml:"xs:element"`
}

type xsdElement struct {
	Name       string         `xml:"name,attr"`
	Attributes []xsdAttribute `xml:"xs:complexType>xs:attribute"`
}

type xsdAttribute struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
	Use  string `xml:"use,attr,omitempty"`
}

// Write emits the schema as an XSD style document.
func (s *Schema) Write(w io.Writer) error {
	doc := xsdSchema{Xmlns: "http://www.w3.org/2001/XMLSchema"}
	for _, name := range s.order {
		spec := s.elements[name]
		element := xsdElement{Name: spec.Name}
		for _, attr := range spec.Attrs {
			use := ""
			if attr.Required {
				use = "required"
			}
			element.Attributes = append(element.Attributes, xsdAttribute{
				Name: attr.Name,
				Type: attr.Type.String(),
				Use:  use,
			})
		}
		doc.Elements = append(doc.Elements, element)
	}

	if _, err := fmt.Fprint(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}
