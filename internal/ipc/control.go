package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"voxmind/internal/memory"
	"voxmind/internal/orchestrator"
	"voxmind/internal/safety"
)

type Assistant interface {
	Trigger(ctx context.Context) error
	Inject(ctx context.Context, text string) error
	SetTier(ctx context.Context, t safety.Tier) error
	Status() orchestrator.State
}

type Memory interface {
	Cleanup(ctx context.Context, olderThanDays int) (int, error)
	Export(ctx context.Context, w io.Writer) error
	Stats(ctx context.Context) (memory.Stats, error)
	StoreFact(ctx context.Context, text string, metadata map[string]string) (string, error)
	Reset(ctx context.Context, confirm bool) (bool, error)
}

// Model is the generative backend's tunable state.
type Model interface {
	ClearHistory()
	SetParameters(temperature *float64, maxTokens int) error
}

type Audit interface {
	AuditLog(limit int) []safety.Decision
}

// Control maps socket commands onto the running assistant. Memory, Audit and
// Model may be nil.
type Control struct {
	Assistant Assistant
	Memory    Memory
	Audit     Audit
	Model     Model
}

// Commands understood by Control.
var Commands = []string{
	"trigger", "say", "status", "tier", "cleanup", "export", "audit",
	"remember", "reset", "forget", "params",
}

type statusData struct {
	State  orchestrator.State `json:"state"`
	Memory *memory.Stats      `json:"memory,omitempty"`
}

func (c *Control) Handle(ctx context.Context, req Request) Reply {
	switch strings.ToLower(req.Cmd) {
	case "trigger":
		if err := c.Assistant.Trigger(ctx); err != nil {
			return Fail(err)
		}
		return OK("conversation started")

	case "say":
		text := strings.TrimSpace(strings.Join(req.Args, " "))
		if text == "" {
			return Fail(errors.New("say: nothing to say"))
		}
		if err := c.Assistant.Inject(ctx, text); err != nil {
			return Fail(err)
		}
		return OK("delivered")

	case "status":
		data := statusData{State: c.Assistant.Status()}
		if c.Memory != nil {
			st, err := c.Memory.Stats(ctx)
			if err != nil {
				return Fail(err)
			}
			data.Memory = &st
		}
		return OKData(data.State.Mode.String(), data)

	case "tier":
		if len(req.Args) != 1 {
			return Fail(errors.New("usage: tier off|safer|god"))
		}
		t, err := safety.ParseTier(req.Args[0])
		if err != nil {
			return Fail(err)
		}
		if err := c.Assistant.SetTier(ctx, t); err != nil {
			return Fail(err)
		}
		return OK("safety level set to " + t.String())

	case "cleanup":
		if c.Memory == nil {
			return Fail(errors.New("memory is disabled"))
		}
		days := 30
		if len(req.Args) > 0 {
			n, err := strconv.Atoi(req.Args[0])
			if err != nil || n <= 0 {
				return Fail(fmt.Errorf("cleanup: bad day count %q", req.Args[0]))
			}
			days = n
		}
		n, err := c.Memory.Cleanup(ctx, days)
		if err != nil {
			return Fail(err)
		}
		return OKData(fmt.Sprintf("removed %d memories", n), map[string]int{"removed": n})

	case "export":
		if c.Memory == nil {
			return Fail(errors.New("memory is disabled"))
		}
		if len(req.Args) != 1 {
			return Fail(errors.New("usage: export <path>"))
		}
		path, err := c.export(ctx, req.Args[0])
		if err != nil {
			return Fail(err)
		}
		return OK("exported to " + path)

	case "audit":
		if c.Audit == nil {
			return Fail(errors.New("audit log is disabled"))
		}
		limit := 20
		if len(req.Args) > 0 {
			n, err := strconv.Atoi(req.Args[0])
			if err != nil {
				return Fail(fmt.Errorf("audit: bad limit %q", req.Args[0]))
			}
			limit = n
		}
		entries := c.Audit.AuditLog(limit)
		return OKData(fmt.Sprintf("%d decisions", len(entries)), entries)

	case "remember":
		if c.Memory == nil {
			return Fail(errors.New("memory is disabled"))
		}
		text := strings.TrimSpace(strings.Join(req.Args, " "))
		if text == "" {
			return Fail(errors.New("usage: remember <fact>"))
		}
		id, err := c.Memory.StoreFact(ctx, text, map[string]string{"source": "control"})
		if err != nil {
			return Fail(err)
		}
		return OKData("remembered", map[string]string{"id": id})

	case "reset":
		if c.Memory == nil {
			return Fail(errors.New("memory is disabled"))
		}
		confirm := len(req.Args) == 1 && req.Args[0] == "--yes"
		done, err := c.Memory.Reset(ctx, confirm)
		if err != nil {
			return Fail(err)
		}
		if !done {
			return Fail(errors.New("reset deletes every memory; repeat with --yes"))
		}
		return OK("memory reset")

	case "forget":
		if c.Model == nil {
			return Fail(errors.New("language model is disabled"))
		}
		c.Model.ClearHistory()
		return OK("conversation history cleared")

	case "params":
		if c.Model == nil {
			return Fail(errors.New("language model is disabled"))
		}
		temp, tokens, err := parseParams(req.Args)
		if err != nil {
			return Fail(err)
		}
		if err := c.Model.SetParameters(temp, tokens); err != nil {
			return Fail(err)
		}
		return OK("parameters updated")

	default:
		return Fail(fmt.Errorf("unknown command %q (want one of %s)", req.Cmd, strings.Join(Commands, ", ")))
	}
}

// parseParams reads "temperature=<f>" and "max_tokens=<n>" arguments.
func parseParams(args []string) (*float64, int, error) {
	if len(args) == 0 {
		return nil, 0, errors.New("usage: params [temperature=<0-2>] [max_tokens=<n>]")
	}
	var (
		temp   *float64
		tokens int
	)
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			return nil, 0, fmt.Errorf("params: bad argument %q", a)
		}
		switch key {
		case "temperature":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("params: bad temperature %q", val)
			}
			temp = &f
		case "max_tokens":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, 0, fmt.Errorf("params: bad max_tokens %q", val)
			}
			tokens = n
		default:
			return nil, 0, fmt.Errorf("params: unknown setting %q", key)
		}
	}
	return temp, tokens, nil
}

func (c *Control) export(ctx context.Context, path string) (string, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := c.Memory.Export(ctx, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return path, nil
}
