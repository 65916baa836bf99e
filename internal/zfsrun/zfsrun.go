// Package zfsrun invokes the zfs binary and reports structured results,
// the only place in the broker that shells out to the real tool.
package zfsrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrToolNotFound is returned by Validate when the configured zfs binary
// cannot be resolved on PATH or at its absolute path.
var ErrToolNotFound = errors.New("zfsrun: zfs tool not found")

// Result is the outcome of one zfs invocation.
type Result struct {
	OK       bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner invokes the configured zfs binary with no inherited environment,
// matching the isolation the original broker gave its subprocess calls.
// It imposes no timeout of its own: callers that want a deadline attach
// one to the ctx they pass to Run, since an administrative command like
// a recursive destroy or create over a large dataset tree can
// legitimately run long and should not be killed out from under it.
type Runner struct {
	Bin string
}

// New returns a Runner for bin.
func New(bin string) *Runner {
	if bin == "" {
		bin = "/usr/sbin/zfs"
	}
	return &Runner{Bin: bin}
}

// Validate reports ErrToolNotFound if the configured binary doesn't
// resolve, for use in startup self-checks before any request arrives.
func (r *Runner) Validate() error {
	if _, err := exec.LookPath(r.Bin); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolNotFound, r.Bin, err)
	}
	return nil
}

// Run executes "<bin> args..." and captures stdout/stderr separately.
// A failure to even start the process (binary missing, exec permission
// denied) is reported as exit code 127, mirroring what a failed
// subprocess.run raises upstream.
func (r *Runner) Run(ctx context.Context, args ...string) Result {
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.Env = []string{}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if err == nil {
		return Result{OK: true, Stdout: out, Stderr: errOut, ExitCode: 0}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return Result{OK: false, Stdout: out, Stderr: errOut, ExitCode: exitErr.ExitCode()}
	}
	if errOut == "" {
		errOut = err.Error()
	}
	return Result{OK: false, Stdout: out, Stderr: errOut, ExitCode: 127}
}

// AllowOrError maps a Result onto the broker's wire-level (status, info)
// pair: "OK" with stdout on success, "ERROR" with stderr (or a synthetic
// rc=N message) otherwise.
func AllowOrError(res Result) (status, info string) {
	if res.OK {
		return "OK", res.Stdout
	}
	if res.Stderr != "" {
		return "ERROR", res.Stderr
	}
	return "ERROR", fmt.Sprintf("rc=%d", res.ExitCode)
}
