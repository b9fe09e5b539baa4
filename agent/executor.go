package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/protocol"
)

const commandTimeout = 15 * time.Minute

// Runner runs a command and returns its exit code and output. err is set only
// when the command could not be run at all.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (code int, stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (int, string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, stdout.String(), stderr.String(), nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
	default:
		return 1, stdout.String(), stderr.String(), err
	}
}

// Executor runs patch jobs with the host package manager.
type Executor struct {
	run    Runner
	has    func(string) bool
	logger zerolog.Logger
}

func NewExecutor(run Runner, collector *Collector, logger zerolog.Logger) *Executor {
	return &Executor{run: run, has: collector.has, logger: logger}
}

// Execute runs jobType and returns its exit code and output.
// A type outside protocol.JobTypes, from a newer coordinator, fails the job.
func (e *Executor) Execute(ctx context.Context, pm string, jobType protocol.JobType) (int, string, string) {
	e.logger.Info().Str("job_type", string(jobType)).Str("package_manager", pm).Msg("executing job")

	switch jobType {
	case protocol.JobScanNow, protocol.JobReportOnly:
		return 0, "Scan complete", ""
	case protocol.JobApplyPatches:
		return e.applyPatches(ctx, pm, false)
	case protocol.JobApplySecurityOnly:
		return e.applyPatches(ctx, pm, true)
	case protocol.JobReboot:
		return e.exec(ctx, "reboot")
	default:
		return 1, "", "Unknown job type"
	}
}

func (e *Executor) applyPatches(ctx context.Context, pm string, securityOnly bool) (int, string, string) {
	switch pm {
	case pmApt:
		code, stdout, stderr := e.exec(ctx, "apt-get", "update")
		if code != 0 {
			return code, stdout, stderr
		}
		var out, errOut string
		if securityOnly && e.has("unattended-upgrades") {
			code, out, errOut = e.exec(ctx, "unattended-upgrades", "-d")
		} else {
			code, out, errOut = e.exec(ctx, "apt-get", "-y", "upgrade")
		}
		return code, stdout + out, stderr + errOut
	case pmDnf, pmYum:
		args := []string{"-y", "update"}
		if securityOnly {
			args = append(args, "--security")
		}
		return e.exec(ctx, pm, args...)
	default:
		return 1, "", "Unsupported package manager"
	}
}

// exec folds a launch failure into the job's stderr.
func (e *Executor) exec(ctx context.Context, name string, args ...string) (int, string, string) {
	code, stdout, stderr, err := e.run.Run(ctx, name, args...)
	if err != nil {
		stderr += fmt.Sprintf("\nExecution error: %v", err)
	}
	return code, stdout, stderr
}
