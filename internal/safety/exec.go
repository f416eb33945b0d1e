package safety

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const DefaultExecTimeout = 30 * time.Second

// Executor runs shell commands that the engine has allowed.
type Executor struct {
	Shell   string
	Timeout time.Duration
}

func NewExecutor() *Executor {
	return &Executor{Shell: "/bin/sh", Timeout: DefaultExecTimeout}
}

// Exec runs cmd without consulting the engine. Callers must already hold an
// allow or confirmed decision for it.
func (x *Executor) Exec(ctx context.Context, cmd string) (string, error) {
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := x.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, shell, "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = time.Second

	if err := c.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout.String(), fmt.Errorf("command timed out after %s", timeout)
		}
		return stdout.String(), fmt.Errorf("command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}
