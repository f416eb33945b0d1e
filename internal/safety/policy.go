// Package safety decides whether a system-affecting action may run at the
// current safety tier and keeps an audit trail of every decision.
package safety

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

type Verdict string

const (
	Allow   Verdict = "allow"
	Confirm Verdict = "confirm"
	Deny    Verdict = "deny"
)

type Action struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Command  string   `json:"command,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}

type Decision struct {
	ActionID string    `json:"action_id"`
	Category string    `json:"category"`
	Command  string    `json:"command,omitempty"`
	Tier     Tier      `json:"tier"`
	Verdict  Verdict   `json:"verdict"`
	Reason   string    `json:"reason"`
	Time     time.Time `json:"time"`
}

// Evaluate applies rules to action at tier. It is a pure function: the first
// matching step decides.
func Evaluate(rules Rules, action Action, tier Tier) Decision {
	d := Decision{
		ActionID: action.ID,
		Category: action.Category,
		Command:  action.Command,
		Tier:     tier,
	}

	if blocked, ok := matchBlocked(rules.BlockedCommands, action.Command); ok {
		d.Verdict = Deny
		d.Reason = fmt.Sprintf("command %q is blocked", blocked)
		return d
	}

	if p, ok := matchSensitive(rules.SensitivePaths, action.Paths); ok {
		if tier == TierGod {
			d.Verdict = Confirm
			d.Reason = fmt.Sprintf("%s is a sensitive path", p)
		} else {
			d.Verdict = Deny
			d.Reason = fmt.Sprintf("access to %s is not allowed", p)
		}
		return d
	}

	tr := rules.Tiers[tier.String()]
	if tr.allows(action.Category) {
		if tr.RequireConfirmation {
			d.Verdict = Confirm
			d.Reason = fmt.Sprintf("%s requires confirmation at %s level", action.Category, tier)
		} else {
			d.Verdict = Allow
			d.Reason = fmt.Sprintf("%s allowed at %s level", action.Category, tier)
		}
		return d
	}

	d.Verdict = Deny
	d.Reason = fmt.Sprintf("%s is not allowed at %s level", action.Category, tier)
	return d
}

func normalizeCommand(cmd string) string {
	cmd = strings.Join(strings.Fields(strings.ToLower(cmd)), " ")
	return strings.TrimPrefix(cmd, "sudo ")
}

// matchBlocked checks the whole command line and every simple command in it.
func matchBlocked(blocked []string, cmd string) (string, bool) {
	whole := normalizeCommand(cmd)
	candidates := append([]string{whole}, commandSegments(cmd)...)
	for _, b := range blocked {
		nb := normalizeCommand(b)
		if nb == "" {
			continue
		}
		// Entries that are themselves shell syntax cannot be split.
		if strings.ContainsAny(nb, ";|&(){}`") && strings.Contains(whole, nb) {
			return b, true
		}
		for _, c := range candidates {
			if c != "" && (c == nb || strings.HasPrefix(c, nb)) {
				return b, true
			}
		}
	}
	return "", false
}

var shellSeparators = strings.NewReplacer(
	"&&", "\n", "||", "\n", ";", "\n", "|", "\n", "&", "\n",
	"`", "\n", "$(", "\n", "(", "\n", ")", "\n", "{", "\n", "}", "\n",
	"\r", "\n",
)

// Leading words that run the rest of the line as a command.
var commandWrappers = map[string]bool{
	"sudo": true, "env": true, "exec": true, "command": true,
	"nohup": true, "time": true, "nice": true, "builtin": true,
}

var assignment = regexp.MustCompile(`^[a-z_][a-z0-9_]*=`)

// commandSegments splits cmd on shell control operators and substitutions and
// strips variable assignments and wrapper words from the front of each piece.
func commandSegments(cmd string) []string {
	var out []string
	for _, part := range strings.Split(shellSeparators.Replace(strings.ToLower(cmd)), "\n") {
		fields := strings.Fields(part)
		for len(fields) > 0 && (assignment.MatchString(fields[0]) || commandWrappers[fields[0]]) {
			fields = fields[1:]
		}
		if len(fields) > 0 {
			out = append(out, strings.Join(fields, " "))
		}
	}
	return out
}

func matchSensitive(sensitive, paths []string) (string, bool) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		cp := filepath.Clean(p)
		for _, s := range sensitive {
			cs := filepath.Clean(s)
			if cp == cs || strings.HasPrefix(cp, strings.TrimSuffix(cs, "/")+"/") {
				return cp, true
			}
		}
	}
	return "", false
}

// Engine evaluates actions at its current tier and records every decision.
type Engine struct {
	mu    sync.Mutex
	rules Rules
	tier  Tier
	audit []Decision
	now   func() time.Time

	// OnDecision, if set, observes every decision after it is recorded.
	OnDecision func(Decision)
}

func NewEngine(rules Rules, tier Tier) *Engine {
	return &Engine{
		rules: rules,
		tier:  tier,
		now:   time.Now,
	}
}

func (e *Engine) Tier() Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tier
}

// SetTier changes the tier for subsequent evaluations only.
func (e *Engine) SetTier(t Tier) {
	e.mu.Lock()
	e.tier = t
	e.mu.Unlock()
}

// Check evaluates action at the current tier and appends the decision to the
// audit log.
func (e *Engine) Check(action Action) Decision {
	e.mu.Lock()
	d := Evaluate(e.rules, action, e.tier)
	d.Time = e.now()
	e.audit = append(e.audit, d)
	hook := e.OnDecision
	e.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return d
}

// AuditLog returns a copy of the most recent limit decisions, oldest first.
// limit <= 0 returns the whole log.
func (e *Engine) AuditLog(limit int) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	src := e.audit
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]Decision, len(src))
	copy(out, src)
	return out
}

// Flush writes the audit log to w as JSON lines.
func (e *Engine) Flush(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, d := range e.AuditLog(0) {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("write audit entry %s: %w", d.ActionID, err)
		}
	}
	return nil
}

// MarshalText lets tiers appear by name in JSON and config.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
