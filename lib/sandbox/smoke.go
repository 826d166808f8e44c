package sandbox

import (
	"bytes"
	"context"
	"log/slog"
)

// TestResult is the outcome of one smoke-test command.
type TestResult struct {
	Command  string
	Passed   bool
	ExitCode int
	Output   []byte
}

// RunTests executes every command inside the sandbox and collects a result
// per command; a failing command never stops the sweep. In strict mode a
// ValidationError for the first failing command is returned alongside the
// full result set once all commands have run.
func RunTests(ctx context.Context, runner Runner, sb *Sandbox, commands []string, strict bool, logger *slog.Logger) ([]TestResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]TestResult, 0, len(commands))
	for _, command := range commands {
		var output bytes.Buffer
		code, err := runner.Run(ctx, RunSpec{
			Rootfs:  sb.Dir,
			Command: ShellCommand(command),
			Env:     sb.Environ(),
			Stdout:  &output,
			Stderr:  &output,
		})
		if err != nil {
			return results, err
		}

		passed := code == 0
		if passed {
			logger.Info("smoke test passed", "command", command)
		} else {
			logger.Warn("smoke test failed", "command", command, "exit_code", code, "output", output.String())
		}
		results = append(results, TestResult{
			Command:  command,
			Passed:   passed,
			ExitCode: code,
			Output:   output.Bytes(),
		})
	}

	if strict {
		for _, result := range results {
			if !result.Passed {
				return results, &ValidationError{
					Command:  result.Command,
					ExitCode: result.ExitCode,
					Output:   result.Output,
				}
			}
		}
	}
	return results, nil
}
