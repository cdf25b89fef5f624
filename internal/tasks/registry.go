package tasks

import (
	"fmt"
	"sort"

	"forgegraph/internal/filespec"
	"forgegraph/pkg/logger"
)

// ExecContext carries the state a task may touch while executing: the
// mutable tag map for its node, the workspace resolver and a logger. All
// access happens inside the synchronous Execute call.
type ExecContext struct {
	WorkspaceDir string
	Resolver     *filespec.Resolver

	// Tags maps tag name to file set. Tasks read input tags and add files
	// to output tags through this map.
	Tags map[string]filespec.Set

	// BuildProducts accumulates every file created by the node's tasks.
	// Files here that end up in no explicit output tag fall into the node's
	// default output.
	BuildProducts filespec.Set

	Logger *logger.Logger
}

// RecordProducts marks files as created by the current node.
func (c *ExecContext) RecordProducts(files filespec.Set) {
	if c.BuildProducts == nil {
		c.BuildProducts = filespec.NewSet()
	}
	c.BuildProducts.Union(files)
}

// ResolveFiles expands a file spec parameter against the workspace and the
// current tag map.
func (c *ExecContext) ResolveFiles(spec string) (filespec.Set, error) {
	return c.Resolver.Resolve(spec, c.Tags)
}

// AddToTag records files under an output tag, creating the entry if a task
// writes a scratch tag that was never declared.
func (c *ExecContext) AddToTag(tag string, files filespec.Set) {
	set, ok := c.Tags[tag]
	if !ok {
		set = filespec.NewSet()
		c.Tags[tag] = set
	}
	set.Union(files)
}

// Task is one executable unit inside a node.
type Task interface {
	// Name returns the element name the task was registered under.
	Name() string

	// Execute runs the task against the tag map. Any error is fatal for the
	// enclosing node.
	Execute(ctx *ExecContext) error

	// InputTags enumerates tag references this task reads.
	InputTags() []string

	// OutputTags enumerates tag references this task writes.
	OutputTags() []string
}

// Descriptor is the registry entry for one task element.
type Descriptor struct {
	// Name is the script element name.
	Name string

	// Description is emitted into the generated task documentation.
	Description string

	// Params is the parameter schema used for binding and validation.
	Params []ParamSpec

	// Restricted marks tasks excluded when only publicly distributed tasks
	// are allowed.
	Restricted bool

	// Construct builds the task from bound parameters.
	Construct func(params Params) (Task, error)
}

// Registry is the explicit task registry: element name to descriptor,
// preserving registration order.
type Registry struct {
	byName map[string]*Descriptor
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Registering the same element name twice is a
// programming error.
func (r *Registry) Register(desc *Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("task descriptor has no element name")
	}
	if _, exists := r.byName[desc.Name]; exists {
		return fmt.Errorf("task %q is already registered", desc.Name)
	}
	r.byName[desc.Name] = desc
	r.order = append(r.order, desc.Name)
	return nil
}

// MustRegister is Register for startup wiring where failure is a bug.
func (r *Registry) MustRegister(desc *Descriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Get returns the descriptor for an element name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	desc, ok := r.byName[name]
	return desc, ok
}

// Names returns registered element names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// SortedNames returns registered element names in lexical order.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}

// PublicOnly returns a registry view containing only unrestricted tasks.
func (r *Registry) PublicOnly() *Registry {
	public := NewRegistry()
	for _, name := range r.order {
		if desc := r.byName[name]; !desc.Restricted {
			public.MustRegister(desc)
		}
	}
	return public
}

// DefaultRegistry returns a registry populated with the built in task set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(newTagDescriptor())
	r.MustRegister(newCopyDescriptor())
	r.MustRegister(newDeleteDescriptor())
	r.MustRegister(newTouchDescriptor())
	r.MustRegister(newSpawnDescriptor())
	r.MustRegister(newLogDescriptor())
	return r
}
