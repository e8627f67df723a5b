package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"repair-bench/internal/execution"
	"repair-bench/internal/logging"

	"github.com/sirupsen/logrus"
)

// LocalExecutor runs the tool command on the host, in the bug directory.
// It is used when runs do not use containers.
type LocalExecutor struct {
	// WaitDelay bounds how long output pipes are drained after the tool is
	// killed.
	WaitDelay time.Duration
}

func (l *LocalExecutor) Run(ctx context.Context, req execution.RunRequest) (execution.RunResult, error) {
	logger := logging.ForRun(req.Identifier)
	ec := req.Context
	result := execution.RunResult{ExitCode: -1}

	args := req.Tool.Command(ec.ToolParams)
	if len(args) == 0 {
		return result, fmt.Errorf("tool %s has no command", req.Tool.Name())
	}

	outDir, err := prepareRunDirs(ec.OutputDir, req.Identifier)
	if err != nil {
		return result, err
	}
	logFile, err := os.Create(LogPath(ec.OutputDir, req.Identifier))
	if err != nil {
		return result, fmt.Errorf("failed to create run log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = req.Benchmark.BugDir(req.Item)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), runEnv(req)...)
	cmd.Env = append(cmd.Env, "RB_OUTPUT="+outDir)
	cmd.WaitDelay = l.WaitDelay

	logger.WithFields(logrus.Fields{
		"command": args,
		"dir":     cmd.Dir,
	}).Info("Starting tool")

	err = cmd.Run()
	if ctx.Err() != nil {
		return result, context.Cause(ctx)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%w: %d", ErrExitCode, result.ExitCode)
	}
	if err != nil {
		logger.WithError(err).Error("Failed to run tool")
		return result, fmt.Errorf("failed to run %s: %w", args[0], err)
	}
	result.ExitCode = 0
	return result, nil
}
