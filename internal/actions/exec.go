package actions

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// CommandExecutors is an ExecutorSource backed by local interpreters that
// read a program from stdin. It stands in for the editor's own literate
// execution backend when none is wired up.
type CommandExecutors struct {
	commands map[string][]string
}

// NewCommandExecutors returns the default interpreter table.
func NewCommandExecutors() *CommandExecutors {
	return &CommandExecutors{
		commands: map[string][]string{
			"shell":  {"sh"},
			"python": {"python3"},
			"ruby":   {"ruby"},
			"perl":   {"perl"},
		},
	}
}

// ExecutorFor returns an executor for the normalized language, if an
// interpreter is configured for it.
func (c *CommandExecutors) ExecutorFor(language string) (ExecutorFunc, bool) {
	argv, ok := c.commands[language]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, code string, headers map[string]string) (RunResult, error) {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader([]byte(code))

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		if err := cmd.Run(); err != nil {
			return RunResult{Output: out.String()}, fmt.Errorf("%s: %w", language, err)
		}
		return RunResult{Output: out.String(), FilePath: headers["file"]}, nil
	}, true
}
