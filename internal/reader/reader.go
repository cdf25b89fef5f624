package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"forgegraph/internal/graph"
	"forgegraph/internal/props"
	"forgegraph/internal/schema"
	"forgegraph/internal/tasks"
	"forgegraph/pkg/errors"
	"forgegraph/pkg/logger"
)

// Options configures a graph read.
type Options struct {
	Schema       *schema.Schema
	WorkspaceDir string

	// DefaultProperties is the host supplied property bag (branch,
	// changelist and friends).
	DefaultProperties map[string]string

	// Overrides are command line property assignments. They beat defaults
	// and environment imports; <Property> assignments still win in document
	// order.
	Overrides map[string]string

	Logger *logger.Logger
}

// maxExpandDepth bounds nested macro expansion.
const maxExpandDepth = 32

type reader struct {
	schema    *schema.Schema
	workspace string
	overrides map[string]string
	log       *logger.Logger

	graph  *graph.Graph
	env    *props.Environment
	macros map[string]*macroDef

	script      string
	agent       *graph.Agent
	nameToAgent map[string]*graph.Agent
	trigger     *graph.Trigger
	node        *nodeState
	expandDepth int
}

type nodeState struct {
	node     *graph.Node
	produced map[string]bool
	inputs   map[*graph.NodeOutput]bool
}

type macroDef struct {
	elem     *element
	script   string
	required []string
	optional []string
}

// ReadGraph parses the script at path into a Graph. Any parse error or
// unresolved reference is fatal for the whole document.
func ReadGraph(path string, opts Options) (*graph.Graph, error) {
	log := opts.Logger
	if log == nil {
		log = logger.New()
	}

	r := &reader{
		schema:      opts.Schema,
		workspace:   opts.WorkspaceDir,
		overrides:   opts.Overrides,
		log:         log.WithField("component", "reader"),
		graph:       graph.New(),
		env:         props.NewEnvironment(opts.DefaultProperties),
		macros:      make(map[string]*macroDef),
		nameToAgent: make(map[string]*graph.Agent),
	}
	for name, value := range opts.Overrides {
		r.env.Set(name, value)
	}

	if err := r.readScript(path); err != nil {
		return nil, err
	}
	if err := r.graph.CheckCycles(); err != nil {
		return nil, err
	}
	return r.graph, nil
}

func (r *reader) readScript(path string) error {
	root, err := parseScript(path)
	if err != nil {
		return err
	}

	prevScript := r.script
	r.script = path
	defer func() { r.script = prevScript }()

	return r.readChildren(root)
}

func (r *reader) readChildren(parent *element) error {
	for _, child := range parent.children {
		if err := r.readElement(child); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) fail(elem *element, format string, args ...interface{}) error {
	return &errors.ParseError{Script: r.script, Line: elem.line, Message: fmt.Sprintf(format, args...)}
}

// readElement processes one element: evaluate its condition, expand its
// attributes, validate against the schema, then dispatch.
func (r *reader) readElement(elem *element) error {
	spec, ok := r.schema.Element(elem.name)
	if !ok {
		return r.fail(elem, "unknown element <%s>", elem.name)
	}

	if raw, ok := elem.attr("If"); ok {
		expanded, err := r.env.Expand(raw)
		if err != nil {
			return r.fail(elem, "%v", err)
		}
		pass, err := props.EvaluateCondition(expanded, r.workspace)
		if err != nil {
			return r.fail(elem, "invalid condition %q: %v", raw, err)
		}
		if !pass {
			return nil
		}
	}

	// Macro bodies are kept raw; their attributes expand at <Expand> time in
	// the expansion scope.
	if elem.name == "Macro" {
		return r.readMacro(elem)
	}

	attrs, err := r.expandAttrs(elem, spec)
	if err != nil {
		return err
	}

	if spec.Task {
		return r.readTask(elem, attrs)
	}

	switch elem.name {
	case "Include":
		return r.readInclude(elem, attrs)
	case "Option":
		return r.readOption(elem, attrs)
	case "EnvVar":
		return r.readEnvVar(elem, attrs)
	case "Property":
		r.env.Set(attrs["Name"], attrs["Value"])
		return nil
	case "Expand":
		return r.readExpand(elem, attrs)
	case "Agent":
		return r.readAgent(elem, attrs)
	case "Trigger":
		return r.readTrigger(elem, attrs)
	case "Node":
		return r.readNode(elem, attrs)
	case "Aggregate":
		return r.readAggregate(elem, attrs)
	case "Report":
		return r.readReport(elem, attrs)
	case "Notify":
		return r.readNotify(elem, attrs)
	case "Label", "Annotation":
		// Scheduler metadata with no effect on the build itself.
		r.log.Debug("ignoring metadata element", "element", elem.name, "line", elem.line)
		return nil
	case "Warning":
		r.addDiagnostic(graph.SeverityWarning, attrs["Message"])
		return nil
	case "Error":
		r.addDiagnostic(graph.SeverityError, attrs["Message"])
		return nil
	case "Do":
		return r.readChildren(elem)
	case "ForEach":
		return r.readForEach(elem, attrs)
	case "Switch":
		return r.readSwitch(elem)
	case "Case", "Default":
		return r.fail(elem, "<%s> is only valid directly under <Switch>", elem.name)
	default:
		return r.fail(elem, "element <%s> is not valid here", elem.name)
	}
}

// expandAttrs expands every attribute value and validates names and
// presence against the element spec. The If attribute is consumed by
// readElement and excluded here.
func (r *reader) expandAttrs(elem *element, spec *schema.ElementSpec) (map[string]string, error) {
	attrs := make(map[string]string, len(elem.attrs))
	for _, a := range elem.attrs {
		if a.Name == "If" {
			continue
		}
		if _, ok := spec.Attr(a.Name); !ok && !spec.AllowArbitraryAttrs && !spec.Task {
			return nil, r.fail(elem, "unknown attribute %q on <%s>", a.Name, elem.name)
		}
		expanded, err := r.env.Expand(a.Value)
		if err != nil {
			return nil, r.fail(elem, "%v", err)
		}
		attrs[a.Name] = expanded
	}

	for _, attrSpec := range spec.Attrs {
		if attrSpec.Required && attrSpec.Name != "If" {
			if _, ok := attrs[attrSpec.Name]; !ok {
				return nil, r.fail(elem, "<%s> is missing the required attribute %q", elem.name, attrSpec.Name)
			}
		}
	}
	return attrs, nil
}

func (r *reader) inScope(body func() error) error {
	prev := r.env
	r.env = r.env.NewScope()
	defer func() { r.env = prev }()
	return body()
}

func (r *reader) atGlobalScope() bool {
	return r.agent == nil && r.node == nil
}

func (r *reader) addDiagnostic(severity graph.DiagnosticSeverity, message string) {
	diag := &graph.Diagnostic{Severity: severity, Message: message, EnclosingTrigger: r.trigger}
	if r.node != nil {
		diag.EnclosingNode = r.node.node
	}
	r.graph.Diagnostics = append(r.graph.Diagnostics, diag)
}

func (r *reader) readInclude(elem *element, attrs map[string]string) error {
	if !r.atGlobalScope() {
		return r.fail(elem, "<Include> is only valid at global scope")
	}
	path := filepath.FromSlash(attrs["Script"])
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(r.script), path)
	}
	return r.readScript(path)
}

func (r *reader) readOption(elem *element, attrs map[string]string) error {
	if !r.atGlobalScope() {
		return r.fail(elem, "<Option> is only valid at global scope")
	}
	name := attrs["Name"]
	value, ok := r.overrides[name]
	if !ok {
		value = attrs["DefaultValue"]
	}
	if restrict, ok := attrs["Restrict"]; ok && restrict != "" {
		re, err := regexp.Compile("^(" + restrict + ")$")
		if err != nil {
			return r.fail(elem, "invalid Restrict pattern %q: %v", restrict, err)
		}
		if !re.MatchString(value) {
			return r.fail(elem, "value %q for option %q is not valid; must match %q", value, name, restrict)
		}
	}
	r.env.Set(name, value)
	return nil
}

func (r *reader) readEnvVar(elem *element, attrs map[string]string) error {
	if !r.atGlobalScope() {
		return r.fail(elem, "<EnvVar> is only valid at global scope")
	}
	name := attrs["Name"]
	value, ok := r.overrides[name]
	if !ok {
		value = os.Getenv(name)
	}
	r.env.Set(name, value)
	return nil
}

func (r *reader) readMacro(elem *element) error {
	if !r.atGlobalScope() {
		return r.fail(elem, "<Macro> is only valid at global scope")
	}
	name, ok := elem.attr("Name")
	if !ok {
		return r.fail(elem, "<Macro> is missing the required attribute \"Name\"")
	}
	if _, exists := r.macros[name]; exists {
		return r.fail(elem, "macro %q is already defined", name)
	}

	def := &macroDef{elem: elem, script: r.script}
	if value, ok := elem.attr("Arguments"); ok {
		def.required = splitNameList(value)
	}
	if value, ok := elem.attr("OptionalArguments"); ok {
		def.optional = splitNameList(value)
	}
	r.macros[name] = def
	return nil
}

func (r *reader) readExpand(elem *element, attrs map[string]string) error {
	name := attrs["Name"]
	def, ok := r.macros[name]
	if !ok {
		return r.fail(elem, "macro %q is not defined", name)
	}
	if r.expandDepth >= maxExpandDepth {
		return r.fail(elem, "macro expansion too deep at %q", name)
	}

	allowed := make(map[string]bool, len(def.required)+len(def.optional))
	for _, arg := range def.required {
		allowed[arg] = true
	}
	for _, arg := range def.optional {
		allowed[arg] = true
	}
	for attrName := range attrs {
		if attrName == "Name" {
			continue
		}
		if !allowed[attrName] {
			return r.fail(elem, "macro %q has no argument %q", name, attrName)
		}
	}
	for _, arg := range def.required {
		if _, ok := attrs[arg]; !ok {
			return r.fail(elem, "macro %q requires the argument %q", name, arg)
		}
	}

	prevScript := r.script
	r.script = def.script
	r.expandDepth++
	defer func() {
		r.script = prevScript
		r.expandDepth--
	}()

	return r.inScope(func() error {
		for _, arg := range def.optional {
			r.env.Set(arg, "")
		}
		for attrName, value := range attrs {
			if attrName != "Name" {
				r.env.Set(attrName, value)
			}
		}
		return r.readChildren(def.elem)
	})
}

func (r *reader) readForEach(elem *element, attrs map[string]string) error {
	separator := ";"
	if s, ok := attrs["Separator"]; ok && s != "" {
		separator = s
	}
	name := attrs["Name"]

	for _, value := range strings.Split(attrs["Values"], separator) {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		err := r.inScope(func() error {
			r.env.Set(name, value)
			return r.readChildren(elem)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) readSwitch(elem *element) error {
	for i, child := range elem.children {
		switch child.name {
		case "Case":
			raw, ok := child.attr("If")
			if !ok {
				return r.fail(child, "<Case> is missing the required attribute \"If\"")
			}
			expanded, err := r.env.Expand(raw)
			if err != nil {
				return r.fail(child, "%v", err)
			}
			pass, err := props.EvaluateCondition(expanded, r.workspace)
			if err != nil {
				return r.fail(child, "invalid condition %q: %v", raw, err)
			}
			if pass {
				return r.inScope(func() error { return r.readChildren(child) })
			}
		case "Default":
			if i != len(elem.children)-1 {
				return r.fail(child, "<Default> must be the last child of <Switch>")
			}
			return r.inScope(func() error { return r.readChildren(child) })
		default:
			return r.fail(child, "<Switch> may only contain <Case> and <Default> elements")
		}
	}
	return nil
}

func (r *reader) readTrigger(elem *element, attrs map[string]string) error {
	if r.agent != nil || r.node != nil {
		return r.fail(elem, "<Trigger> is not valid inside an agent")
	}
	name := attrs["Name"]
	if _, exists := r.graph.NameToTrigger[name]; exists {
		return r.fail(elem, "trigger %q is already defined", name)
	}

	trigger := &graph.Trigger{Name: name, Parent: r.trigger}
	r.graph.NameToTrigger[name] = trigger

	prev := r.trigger
	r.trigger = trigger
	defer func() { r.trigger = prev }()

	return r.inScope(func() error { return r.readChildren(elem) })
}

func (r *reader) readAgent(elem *element, attrs map[string]string) error {
	if r.agent != nil || r.node != nil {
		return r.fail(elem, "<Agent> elements cannot be nested")
	}
	name := attrs["Name"]

	agent, exists := r.nameToAgent[name]
	if !exists {
		agent = &graph.Agent{Name: name}
		if value, ok := attrs["Type"]; ok && value != "" {
			agent.PossibleTypes = splitNameList(value)
		} else {
			agent.PossibleTypes = []string{name}
		}
		r.nameToAgent[name] = agent
		r.graph.Agents = append(r.graph.Agents, agent)
	} else if value, ok := attrs["Type"]; ok && value != "" {
		if strings.Join(splitNameList(value), ";") != strings.Join(agent.PossibleTypes, ";") {
			return r.fail(elem, "agent %q is already defined with different types", name)
		}
	}

	r.agent = agent
	defer func() { r.agent = nil }()

	return r.inScope(func() error { return r.readChildren(elem) })
}

func (r *reader) readNode(elem *element, attrs map[string]string) error {
	if r.agent == nil || r.node != nil {
		return r.fail(elem, "<Node> is only valid inside an <Agent>")
	}
	name := attrs["Name"]
	if r.graph.ContainsName(name) {
		return r.fail(elem, "node name %q is already in use", name)
	}
	defaultTag := graph.DefaultOutputName(name)
	if _, exists := r.graph.TagNameToOutput[defaultTag]; exists {
		return r.fail(elem, "tag %q is already produced elsewhere", defaultTag)
	}

	node := &graph.Node{Name: name, Agent: r.agent, ControllingTrigger: r.trigger}
	state := &nodeState{
		node:     node,
		produced: map[string]bool{defaultTag: true},
		inputs:   make(map[*graph.NodeOutput]bool),
	}

	// Explicit outputs, then the implicit default output last.
	if value, ok := attrs["Produces"]; ok {
		tags, err := tasks.SplitTagList(value)
		if err != nil {
			return r.fail(elem, "%v", err)
		}
		for _, tag := range tags {
			if _, exists := r.graph.TagNameToOutput[tag]; exists || state.produced[tag] {
				return r.fail(elem, "tag %q already has a producer", tag)
			}
			state.produced[tag] = true
			node.Outputs = append(node.Outputs, &graph.NodeOutput{TagName: tag, ProducingNode: node})
		}
	}
	node.Outputs = append(node.Outputs, &graph.NodeOutput{TagName: defaultTag, ProducingNode: node})

	if value, ok := attrs["Requires"]; ok {
		for _, item := range splitNameList(value) {
			outputs, err := r.graph.ResolveOutputReference(item)
			if err != nil {
				return r.fail(elem, "%v", err)
			}
			for _, output := range outputs {
				if err := r.addInput(elem, state, output); err != nil {
					return err
				}
			}
		}
	}

	if value, ok := attrs["After"]; ok {
		seen := make(map[*graph.Node]bool)
		for _, item := range splitNameList(value) {
			nodes, ok := r.graph.ResolveReference(item)
			if !ok {
				return r.fail(elem, "reference to undefined node %q", item)
			}
			for _, dep := range nodes {
				if !seen[dep] {
					seen[dep] = true
					node.OrderDependencies = append(node.OrderDependencies, dep)
				}
			}
		}
	}

	if value, ok := attrs["Token"]; ok {
		for _, token := range splitNameList(value) {
			node.RequiredTokens = append(node.RequiredTokens, filepath.FromSlash(token))
		}
	}
	if value, ok := attrs["NotifyOnWarnings"]; ok {
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return r.fail(elem, "cannot interpret NotifyOnWarnings=%q as a boolean", value)
		}
		node.NotifyOnWarnings = b
	}

	r.node = state
	defer func() { r.node = nil }()

	err := r.inScope(func() error { return r.readChildren(elem) })
	if err != nil {
		return err
	}

	// Register outputs only after the node reads cleanly, so a failed node
	// leaves no dangling producers.
	for _, output := range node.Outputs {
		r.graph.TagNameToOutput[output.TagName] = output
	}
	r.graph.NameToNode[name] = node
	r.agent.Nodes = append(r.agent.Nodes, node)
	return nil
}

func (r *reader) addInput(elem *element, state *nodeState, output *graph.NodeOutput) error {
	if output.ProducingNode == state.node {
		return nil
	}
	producerTrigger := output.ProducingNode.ControllingTrigger
	if !producerTrigger.IsUpstreamOf(r.trigger) {
		return r.fail(elem, "node %q cannot read %s across trigger boundaries (produced behind %q)",
			state.node.Name, output.TagName, producerTrigger.QualifiedName())
	}
	if !state.inputs[output] {
		state.inputs[output] = true
		state.node.Inputs = append(state.node.Inputs, output)
	}
	return nil
}

func (r *reader) readTask(elem *element, attrs map[string]string) error {
	if r.node == nil {
		return r.fail(elem, "task <%s> is only valid inside a <Node>", elem.name)
	}
	desc, ok := r.schema.Registry().Get(elem.name)
	if !ok {
		return r.fail(elem, "task <%s> is not registered", elem.name)
	}

	params, err := tasks.BindParams(elem.name, desc.Params, attrs)
	if err != nil {
		return err
	}
	task, err := desc.Construct(params)
	if err != nil {
		return err
	}

	for _, tag := range task.InputTags() {
		if r.node.produced[tag] {
			continue
		}
		if output, ok := r.graph.TagNameToOutput[tag]; ok {
			if err := r.addInput(elem, r.node, output); err != nil {
				return err
			}
		}
		// Tags with no producer yet may be written by an earlier task of
		// this node at execution time; unresolved reads fail there.
	}
	for _, tag := range task.OutputTags() {
		if output, ok := r.graph.TagNameToOutput[tag]; ok && output.ProducingNode != r.node.node {
			return r.fail(elem, "tag %q is produced by node %q and cannot be modified here", tag, output.ProducingNode.Name)
		}
	}

	spec := graph.TaskSpec{ElementName: elem.name}
	for _, a := range elem.attrs {
		if a.Name == "If" {
			continue
		}
		spec.Attrs = append(spec.Attrs, graph.Attr{Name: a.Name, Value: attrs[a.Name]})
	}

	r.node.node.Tasks = append(r.node.node.Tasks, task)
	r.node.node.TaskSpecs = append(r.node.node.TaskSpecs, spec)
	return nil
}

func (r *reader) readAggregate(elem *element, attrs map[string]string) error {
	if !r.atGlobalScope() {
		return r.fail(elem, "<Aggregate> is only valid at global scope")
	}
	name := attrs["Name"]
	if r.graph.ContainsName(name) {
		return r.fail(elem, "aggregate name %q is already in use", name)
	}

	nodes, err := r.resolveNodeList(elem, attrs["Requires"])
	if err != nil {
		return err
	}
	r.graph.NameToAggregate[name] = nodes
	return nil
}

func (r *reader) readReport(elem *element, attrs map[string]string) error {
	if !r.atGlobalScope() {
		return r.fail(elem, "<Report> is only valid at global scope")
	}
	name := attrs["Name"]
	if r.graph.ContainsName(name) {
		return r.fail(elem, "report name %q is already in use", name)
	}

	nodes, err := r.resolveNodeList(elem, attrs["Requires"])
	if err != nil {
		return err
	}
	report := &graph.Report{Name: name, Nodes: make(map[*graph.Node]bool)}
	for _, node := range nodes {
		report.Nodes[node] = true
	}
	r.graph.NameToReport[name] = report
	return nil
}

func (r *reader) readNotify(elem *element, attrs map[string]string) error {
	users := splitNameList(attrs["Users"])
	warnings := false
	if value, ok := attrs["Warnings"]; ok {
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return r.fail(elem, "cannot interpret Warnings=%q as a boolean", value)
		}
		warnings = b
	}

	if value, ok := attrs["Nodes"]; ok {
		nodes, err := r.resolveNodeList(elem, value)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			node.Notify = appendUnique(node.Notify, users)
			if warnings {
				node.NotifyOnWarnings = true
			}
		}
	}
	if value, ok := attrs["Reports"]; ok {
		for _, name := range splitNameList(value) {
			report, ok := r.graph.NameToReport[name]
			if !ok {
				return r.fail(elem, "reference to undefined report %q", name)
			}
			report.Notify = appendUnique(report.Notify, users)
		}
	}
	return nil
}

func (r *reader) resolveNodeList(elem *element, value string) ([]*graph.Node, error) {
	var nodes []*graph.Node
	seen := make(map[*graph.Node]bool)
	for _, item := range splitNameList(value) {
		resolved, ok := r.graph.ResolveReference(item)
		if !ok {
			return nil, r.fail(elem, "reference to undefined node or output %q", item)
		}
		for _, node := range resolved {
			if !seen[node] {
				seen[node] = true
				nodes = append(nodes, node)
			}
		}
	}
	return nodes, nil
}

// splitNameList splits a list value on the '+' and ';' separators,
// discarding empty items.
func splitNameList(value string) []string {
	items := strings.FieldsFunc(value, func(r rune) bool {
		return r == '+' || r == ';'
	})
	var names []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			names = append(names, item)
		}
	}
	return names
}

func appendUnique(existing []string, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range added {
		if !seen[s] {
			seen[s] = true
			existing = append(existing, s)
		}
	}
	return existing
}
