package registration

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Result captures the diagnostics of one external command.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes one external command to completion. The pipeline is
// strictly sequential, so Run blocks until the process exits. Stage logic
// is written against this interface so tests can substitute fake commands
// for the expensive solvers.
type Runner interface {
	Run(name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec, capturing both output streams.
type ExecRunner struct{}

// Run executes the command and returns its captured output. A non-zero
// exit becomes an error that includes the command name and its stderr.
func (ExecRunner) Run(name string, args ...string) (Result, error) {
	cmd := exec.Command(name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err != nil {
		if res.Stderr != "" {
			return res, fmt.Errorf("%s failed: %s", name, res.Stderr)
		}
		return res, fmt.Errorf("%s failed: %w", name, err)
	}
	return res, nil
}
