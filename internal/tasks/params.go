// Package tasks defines the task contract, the explicit task registry and
// the built in task set. The core treats every task as a polymorphic unit:
// a parameter schema, a constructor binding attribute strings to typed
// values, and a synchronous Execute over the tag map.
package tasks

import (
	"fmt"
	"strconv"
	"strings"

	"forgegraph/pkg/errors"
)

// ParamKind is the underlying type category of one task parameter.
type ParamKind int

const (
	KindString ParamKind = iota
	KindBool
	KindInt
	KindEnum
	KindFileSpec
	KindTagRef
	KindTagList
	KindStringList
)

func (k ParamKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindEnum:
		return "enum"
	case KindFileSpec:
		return "file-spec"
	case KindTagRef:
		return "tag"
	case KindTagList:
		return "tag-list"
	case KindStringList:
		return "string-list"
	default:
		return "unknown"
	}
}

// ParamSpec describes one parameter of a task element.
type ParamSpec struct {
	Name        string
	Kind        ParamKind
	Optional    bool
	Default     string
	EnumValues  []string
	Description string

	// Validate, when set, runs against the raw attribute value after kind
	// conversion succeeds.
	Validate func(value string) error
}

// ParamValue is the bound value of one parameter, a tagged union keyed by
// Kind.
type ParamValue struct {
	Kind ParamKind
	Str  string
	Bool bool
	Int  int
	List []string
}

// Params maps parameter name to bound value.
type Params map[string]ParamValue

// String returns the bound string for name, or the empty string.
func (p Params) String(name string) string {
	return p[name].Str
}

// Bool returns the bound bool for name.
func (p Params) Bool(name string) bool {
	return p[name].Bool
}

// Int returns the bound int for name.
func (p Params) Int(name string) int {
	return p[name].Int
}

// List returns the bound list for name.
func (p Params) List(name string) []string {
	return p[name].List
}

// BindParams converts raw attribute values to typed parameter values using
// the given specs. Missing non-optional parameters and conversion failures
// are validation errors.
func BindParams(taskName string, specs []ParamSpec, attrs map[string]string) (Params, error) {
	bound := make(Params, len(specs))
	known := make(map[string]bool, len(specs))

	for _, spec := range specs {
		known[strings.ToLower(spec.Name)] = true

		raw, ok := attrs[spec.Name]
		if !ok {
			if !spec.Optional {
				return nil, &errors.ValidationError{Task: taskName, Parameter: spec.Name, Message: "required attribute is missing"}
			}
			if spec.Default == "" {
				continue
			}
			raw = spec.Default
		}

		value, err := convertParam(spec, raw)
		if err != nil {
			return nil, &errors.ValidationError{Task: taskName, Parameter: spec.Name, Message: err.Error()}
		}
		if spec.Validate != nil {
			if err := spec.Validate(raw); err != nil {
				return nil, &errors.ValidationError{Task: taskName, Parameter: spec.Name, Message: err.Error()}
			}
		}
		bound[spec.Name] = value
	}

	for name := range attrs {
		if !known[strings.ToLower(name)] {
			return nil, &errors.ValidationError{Task: taskName, Parameter: name, Message: "unknown attribute"}
		}
	}
	return bound, nil
}

func convertParam(spec ParamSpec, raw string) (ParamValue, error) {
	switch spec.Kind {
	case KindString, KindFileSpec:
		return ParamValue{Kind: spec.Kind, Str: raw}, nil

	case KindBool:
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return ParamValue{}, fmt.Errorf("cannot interpret %q as a boolean", raw)
		}
		return ParamValue{Kind: spec.Kind, Bool: b}, nil

	case KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return ParamValue{}, fmt.Errorf("cannot interpret %q as an integer", raw)
		}
		return ParamValue{Kind: spec.Kind, Int: n}, nil

	case KindEnum:
		for _, allowed := range spec.EnumValues {
			if strings.EqualFold(raw, allowed) {
				return ParamValue{Kind: spec.Kind, Str: allowed}, nil
			}
		}
		return ParamValue{}, fmt.Errorf("%q is not one of %s", raw, strings.Join(spec.EnumValues, ", "))

	case KindTagRef:
		if err := CheckTagName(raw); err != nil {
			return ParamValue{}, err
		}
		return ParamValue{Kind: spec.Kind, Str: raw}, nil

	case KindTagList:
		tags, err := SplitTagList(raw)
		if err != nil {
			return ParamValue{}, err
		}
		return ParamValue{Kind: spec.Kind, List: tags}, nil

	case KindStringList:
		var items []string
		for _, item := range strings.Split(raw, ";") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return ParamValue{Kind: spec.Kind, List: items}, nil

	default:
		return ParamValue{}, fmt.Errorf("unsupported parameter kind")
	}
}

// SplitTagList splits a list value on the '+' and ';' separators, discarding
// empty items, and checks each entry is a well formed tag name.
func SplitTagList(value string) ([]string, error) {
	items := strings.FieldsFunc(value, func(r rune) bool {
		return r == '+' || r == ';'
	})
	tags := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if err := CheckTagName(item); err != nil {
			return nil, err
		}
		tags = append(tags, item)
	}
	return tags, nil
}

// CheckTagName validates a '#Name' tag reference.
func CheckTagName(name string) error {
	if !strings.HasPrefix(name, "#") {
		return fmt.Errorf("tag name %q must begin with '#'", name)
	}
	if len(name) == 1 || strings.ContainsAny(name[1:], "#; \t") {
		return fmt.Errorf("tag name %q is not valid", name)
	}
	return nil
}
