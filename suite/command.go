package suite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/command"
	"github.com/bitrise-io/go-utils/v2/log"
	shellquote "github.com/kballard/go-shellquote"
)

// CommandOpts ...
type CommandOpts struct {
	// Timeout bounds the process independently of the per-test timeout.
	Timeout time.Duration
	Dir     string
	Envs    []string
}

// CommandResult ...
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner spawns one external command per call.
type CommandRunner interface {
	Run(ctx context.Context, commandLine string, opts CommandOpts) (CommandResult, error)
}

type commandRunner struct {
	logger log.Logger
}

// NewCommandRunner ...
func NewCommandRunner(logger log.Logger) CommandRunner {
	return commandRunner{logger: logger}
}

// Run executes commandLine, captures stdout and stderr separately, and
// returns a nil error only on exit code 0. A non-zero exit embeds stderr
// (falling back to stdout) into the returned error. When the timeout or the
// context expires the child process is killed, not abandoned.
func (r commandRunner) Run(ctx context.Context, commandLine string, opts CommandOpts) (CommandResult, error) {
	args, err := shellquote.Split(commandLine)
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to parse command (%s): %s", commandLine, err)
	}
	if len(args) == 0 {
		return CommandResult{}, fmt.Errorf("empty command")
	}

	var outBuffer, errBuffer bytes.Buffer

	cmd := command.New(args[0], args[1:]...)
	cmd.SetStdout(&outBuffer)
	cmd.SetStderr(&errBuffer)
	if opts.Dir != "" {
		cmd.SetDir(opts.Dir)
	}
	if len(opts.Envs) > 0 {
		cmd.AppendEnvs(opts.Envs...)
	}

	r.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := cmd.GetCmd()
	if err := execCmd.Start(); err != nil {
		return CommandResult{}, fmt.Errorf("failed to start command (%s): %s", args[0], err)
	}

	done := make(chan error, 1)
	go func() {
		done <- execCmd.Wait()
	}()

	select {
	case err = <-done:
	case <-runCtx.Done():
		if killErr := execCmd.Process.Kill(); killErr != nil {
			r.logger.Warnf("Failed to kill timed out command (%s): %s", args[0], killErr)
		}
		<-done
		reason := fmt.Sprintf("command timed out after %s", opts.Timeout)
		if errors.Is(runCtx.Err(), context.Canceled) {
			reason = "command cancelled"
		}
		return CommandResult{
			Stdout:   outBuffer.String(),
			Stderr:   errBuffer.String(),
			ExitCode: -1,
		}, fmt.Errorf("%s: %s", reason, commandLine)
	}

	result := CommandResult{
		Stdout:   outBuffer.String(),
		Stderr:   errBuffer.String(),
		ExitCode: 0,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
		}

		details := strings.TrimSpace(result.Stderr)
		if details == "" {
			details = strings.TrimSpace(result.Stdout)
		}
		return result, fmt.Errorf("command failed with exit code %d: %s", result.ExitCode, details)
	}

	return result, nil
}

// ExecCommand shells out with the suite's command runner.
func (s *Suite) ExecCommand(ctx context.Context, commandLine string, opts CommandOpts) (CommandResult, error) {
	return s.cmdRunner.Run(ctx, commandLine, opts)
}
