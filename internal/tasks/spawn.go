package tasks

import (
	"bufio"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// spawnTask runs an external program inside the workspace.
type spawnTask struct {
	exe        string
	arguments  string
	workingDir string
	errorLevel int
}

func newSpawnDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "Spawn",
		Description: "Spawns an external executable and waits for it to complete.",
		Params: []ParamSpec{
			{Name: "Exe", Kind: KindString, Description: "Executable to run."},
			{Name: "Arguments", Kind: KindString, Optional: true, Description: "Arguments passed to the executable."},
			{Name: "WorkingDir", Kind: KindString, Optional: true, Description: "Working directory, relative to the workspace root."},
			{Name: "ErrorLevel", Kind: KindInt, Optional: true, Default: "1", Description: "Lowest exit code treated as an error."},
		},
		Construct: func(params Params) (Task, error) {
			return &spawnTask{
				exe:        params.String("Exe"),
				arguments:  params.String("Arguments"),
				workingDir: params.String("WorkingDir"),
				errorLevel: params.Int("ErrorLevel"),
			}, nil
		},
	}
}

func (t *spawnTask) Name() string { return "Spawn" }

func (t *spawnTask) Execute(ctx *ExecContext) error {
	args := strings.Fields(t.arguments)
	cmd := exec.Command(t.exe, args...)
	cmd.Dir = ctx.WorkspaceDir
	if t.workingDir != "" {
		cmd.Dir = filepath.Join(ctx.WorkspaceDir, filepath.FromSlash(t.workingDir))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	log := ctx.Logger.WithField("exe", filepath.Base(t.exe))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.exe, err)
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		log.Info(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() < t.errorLevel {
			log.Warn("ignoring exit code below error level", "code", exitErr.ExitCode())
			return nil
		}
		return fmt.Errorf("%s failed: %w", t.exe, err)
	}
	return nil
}

func (t *spawnTask) InputTags() []string {
	return nil
}

func (t *spawnTask) OutputTags() []string {
	return nil
}
