// Package cli implements the forgegraph command surface.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"forgegraph/pkg/errors"
)

// propertyAssignments collects repeated --set Name=Value flags, rejecting
// malformed assignments at parse time.
type propertyAssignments struct {
	values *[]string
}

var _ pflag.Value = propertyAssignments{}

func (p propertyAssignments) String() string {
	return strings.Join(*p.values, ";")
}

func (p propertyAssignments) Set(value string) error {
	if name, _, ok := strings.Cut(value, "="); !ok || name == "" {
		return fmt.Errorf("expected Name=Value, got %q", value)
	}
	*p.values = append(*p.values, value)
	return nil
}

func (p propertyAssignments) Type() string {
	return "Name=Value"
}

// buildOptions collects every command line option of the tool.
type buildOptions struct {
	configPath string

	scriptPath        string
	targets           string
	schemaPath        string
	documentationPath string
	exportPath        string
	preprocessPath    string

	sharedStorageDir     string
	writeToSharedStorage bool

	singleNode string

	trigger      string
	skipTriggers []string
	skipAll      bool

	tokenSignature          string
	skipTargetsWithoutToken bool

	resume     bool
	clean      bool
	cleanNodes string

	listOnly          bool
	showDeps          bool
	showNotifications bool

	set []string

	publicTasksOnly bool
	reportName      string
}

var rootCmd = &cobra.Command{
	Use:   "forgegraph",
	Short: "Declarative build graph orchestration",
	Long: `forgegraph reads a declarative build script, selects the subgraph for the
requested targets and executes its nodes in dependency order, persisting
tagged outputs through temp storage so builds can be distributed across
agents and resumed across invocations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return &errors.UserError{Message: fmt.Sprintf("unexpected argument %q", args[0])}
		}
		return runBuild(&options)
	},
}

var options buildOptions

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&options.configPath, "config", "", "Path to the tool configuration file")
	flags.StringVar(&options.scriptPath, "script", "", "Build script to read")
	flags.StringVar(&options.targets, "target", "", "Node, aggregate or tag names to build, separated by '+' or ';'")
	flags.StringVar(&options.schemaPath, "schema", "", "Write the script schema to the given path")
	flags.StringVar(&options.documentationPath, "documentation", "", "Write markdown documentation for all registered tasks to the given path")
	flags.StringVar(&options.exportPath, "export", "", "Write a JSON manifest for an external scheduler instead of executing")
	flags.StringVar(&options.preprocessPath, "preprocess", "", "Write the post-expansion, post-selection script to the given path")
	flags.StringVar(&options.sharedStorageDir, "shared-storage-dir", "", "Directory to use for shared temp storage")
	flags.BoolVar(&options.writeToSharedStorage, "write-to-shared-storage", false, "Allow writing to shared storage; otherwise it is read only")
	flags.StringVar(&options.singleNode, "single-node", "", "Execute exactly one node (implies resume)")
	flags.StringVar(&options.trigger, "trigger", "", "Include nodes behind the given trigger")
	flags.StringSliceVar(&options.skipTriggers, "skip-trigger", nil, "Remove nodes behind the given trigger")
	flags.BoolVar(&options.skipAll, "skip-triggers", false, "Remove nodes behind every trigger, even if targeted")
	flags.StringVar(&options.tokenSignature, "token-signature", "", "Enable token arbitration with the given job signature")
	flags.BoolVar(&options.skipTargetsWithoutToken, "skip-targets-without-tokens", false, "Drop targets whose tokens are held by other jobs instead of failing")
	flags.BoolVar(&options.resume, "resume", false, "Skip nodes that already have valid completion markers")
	flags.BoolVar(&options.clean, "clean", false, "Remove all local temp storage state before building")
	flags.StringVar(&options.cleanNodes, "clean-node", "", "Remove local temp storage state for the given nodes")
	flags.BoolVar(&options.listOnly, "list-only", false, "Print the selected graph and exit")
	flags.BoolVar(&options.showDeps, "show-deps", false, "Show node dependencies when printing the graph")
	flags.BoolVar(&options.showNotifications, "show-notifications", false, "Show notification recipients when printing the graph")
	flags.Var(propertyAssignments{&options.set}, "set", "Set a property, as Name=Value (repeatable)")
	flags.BoolVar(&options.publicTasksOnly, "public-tasks-only", false, "Restrict the task registry to publicly distributed tasks")
	flags.StringVar(&options.reportName, "report-name", "", "Inject a report covering all selected nodes")
}

// Execute parses arguments and runs the tool. The --set:Name=Value spelling
// is rewritten to the repeatable --set flag before cobra sees it.
func Execute() error {
	args := os.Args[1:]
	rewritten := make([]string, 0, len(args))
	for _, arg := range args {
		if strings.HasPrefix(arg, "--set:") {
			rewritten = append(rewritten, "--set", strings.TrimPrefix(arg, "--set:"))
		} else {
			rewritten = append(rewritten, arg)
		}
	}
	rootCmd.SetArgs(rewritten)
	return rootCmd.Execute()
}
