// Package dispatch turns a user utterance into a response: built-in handlers
// for commands it understands, the language model for everything else.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"voxmind/internal/intent"
	"voxmind/internal/llm"
	"voxmind/internal/safety"
)

const (
	contextTurns = 3
	apology      = "I'm sorry, I encountered an error processing your request."
)

// Memory is the part of the memory store the dispatcher uses.
type Memory interface {
	StoreConversation(ctx context.Context, user, assistant string, metadata map[string]string) (string, error)
	StorePreference(ctx context.Context, kind string, data map[string]string) (string, error)
	ConversationContext(ctx context.Context, query string, k int) string
}

// Policy judges system-affecting actions.
type Policy interface {
	Check(action safety.Action) safety.Decision
}

// Shell executes commands the policy has allowed.
type Shell interface {
	Exec(ctx context.Context, cmd string) (string, error)
}

type Result struct {
	Success      bool          `json:"success"`
	Response     string        `json:"response"`
	UsedFallback bool          `json:"used_fallback"`
	Intent       intent.Intent `json:"intent"`
	Handler      string        `json:"handler,omitempty"`
}

// HandlerFunc produces a reply for a claimed intent. An error becomes an
// unsuccessful result; it never reaches the caller.
type HandlerFunc func(ctx context.Context, in intent.Intent) (string, error)

type Handler struct {
	Name   string
	Match  func(in intent.Intent) bool
	Handle HandlerFunc
}

// failure is an error whose text is already fit to speak.
type failure string

func (f failure) Error() string { return string(f) }

type pending struct {
	action safety.Action
	run    func(ctx context.Context) (string, error)
}

type Options struct {
	Memory    Memory
	Generator llm.Generator
	Policy    Policy
	Shell     Shell
	Probe     Probe
	// SafeDirs maps a spoken location to a directory that may be listed.
	SafeDirs     map[string]string
	SystemPrompt string
	Now          func() time.Time
}

type Dispatcher struct {
	memory    Memory
	gen       llm.Generator
	policy    Policy
	shell     Shell
	probe     Probe
	safeDirs  map[string]string
	system    string
	now       func() time.Time
	handlers  []Handler
	learnings sync.WaitGroup

	mu      sync.Mutex
	last    *exchange
	waiting *pending
}

type exchange struct {
	user      string
	assistant string
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		memory:   opts.Memory,
		gen:      opts.Generator,
		policy:   opts.Policy,
		shell:    opts.Shell,
		probe:    opts.Probe,
		safeDirs: opts.SafeDirs,
		system:   opts.SystemPrompt,
		now:      opts.Now,
	}
	if d.probe == nil {
		d.probe = HostProbe{}
	}
	if d.safeDirs == nil {
		d.safeDirs = DefaultSafeDirs()
	}
	if d.system == "" {
		d.system = llm.DefaultSystemPrompt
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.registerBuiltins()
	return d
}

// Register appends a handler. Handlers are tried in registration order.
func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
}

func (d *Dispatcher) Handlers() []string {
	names := make([]string, len(d.handlers))
	for i, h := range d.handlers {
		names[i] = h.Name
	}
	return names
}

var affirmative = regexp.MustCompile(`^(yes|yeah|yep|sure|confirm(ed)?|go ahead|do it)\b`)

// Handle processes one utterance. The exchange is stored in memory before
// Handle returns. The error is non-nil only when ctx is already done.
func (d *Dispatcher) Handle(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text = strings.TrimSpace(text)

	in := intent.Classify(text)
	res := Result{Intent: in}

	d.mu.Lock()
	p := d.waiting
	d.waiting = nil
	d.mu.Unlock()

	switch {
	case p != nil && affirmative.MatchString(strings.ToLower(text)):
		res.Handler = "confirmation"
		d.call(ctx, &res, func(ctx context.Context, _ intent.Intent) (string, error) {
			log.Info("Running confirmed action", "action", p.action.ID, "category", p.action.Category, "command", p.action.Command)
			return p.run(ctx)
		})
	default:
		if p != nil {
			log.Info("Pending action dropped", "action", p.action.ID)
		}
		if h, ok := d.match(in); ok {
			res.Handler = h.Name
			d.call(ctx, &res, h.Handle)
		} else {
			d.fallback(ctx, &res, text)
		}
	}

	d.remember(ctx, text, res)
	return res, nil
}

func (d *Dispatcher) match(in intent.Intent) (Handler, bool) {
	for _, h := range d.handlers {
		if h.Match(in) {
			return h, true
		}
	}
	return Handler{}, false
}

func (d *Dispatcher) call(ctx context.Context, res *Result, fn HandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panicked", "handler", res.Handler, "panic", r, "stack", string(debug.Stack()))
			res.Success = false
			res.Response = apology
		}
	}()

	reply, err := fn(ctx, res.Intent)
	if err != nil {
		var f failure
		if errors.As(err, &f) {
			res.Response = string(f)
		} else {
			log.Warn("Handler failed", "handler", res.Handler, "err", err)
			res.Response = "Sorry, I couldn't do that: " + err.Error()
		}
		res.Success = false
		return
	}
	res.Success = true
	res.Response = reply
}

func (d *Dispatcher) fallback(ctx context.Context, res *Result, text string) {
	res.Handler = "fallback"
	res.UsedFallback = true
	res.Success = true

	if d.gen == nil {
		res.Response = llm.Degraded(text)
		return
	}

	var memCtx string
	if d.memory != nil {
		memCtx = d.memory.ConversationContext(ctx, text, contextTurns)
	}

	reply, err := d.gen.Generate(ctx, text, memCtx, d.system)
	if err != nil {
		log.Warn("Falling back to canned response", "err", err)
		res.Response = llm.Degraded(text)
		return
	}
	res.Response = reply
}

// remember stores the exchange and starts feedback learning in the
// background.
func (d *Dispatcher) remember(ctx context.Context, text string, res Result) {
	d.mu.Lock()
	prev := d.last
	d.last = &exchange{user: text, assistant: res.Response}
	d.mu.Unlock()

	if d.memory == nil {
		return
	}

	meta := map[string]string{
		"intent":        string(res.Intent.Category),
		"confidence":    strconv.FormatFloat(res.Intent.Confidence, 'f', 2, 64),
		"handler":       res.Handler,
		"success":       strconv.FormatBool(res.Success),
		"used_fallback": strconv.FormatBool(res.UsedFallback),
	}
	if _, err := d.memory.StoreConversation(ctx, text, res.Response, meta); err != nil {
		log.Warn("Exchange not stored", "err", err)
	}

	bg := context.WithoutCancel(ctx)
	d.learnings.Add(1)
	go func() {
		defer d.learnings.Done()
		d.learn(bg, text, prev)
	}()
}

// Wait blocks until background learning has finished.
func (d *Dispatcher) Wait() {
	d.learnings.Wait()
}

func (d *Dispatcher) Close() error {
	d.Wait()
	return nil
}

func (d *Dispatcher) setPending(p *pending) {
	d.mu.Lock()
	d.waiting = p
	d.mu.Unlock()
}

// Pending reports the action awaiting confirmation, if any.
func (d *Dispatcher) Pending() (safety.Action, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waiting == nil {
		return safety.Action{}, false
	}
	return d.waiting.action, true
}

// gate checks action against the policy. An allow verdict returns nil; a
// confirm verdict parks run until the user agrees and returns the prompt to
// speak; a deny verdict returns the refusal.
func (d *Dispatcher) gate(action safety.Action, describe string, run func(ctx context.Context) (string, error)) (string, error) {
	if d.policy == nil {
		return "", failure("I can't do that: system actions are disabled.")
	}
	dec := d.policy.Check(action)
	switch dec.Verdict {
	case safety.Allow:
		return "", nil
	case safety.Confirm:
		d.setPending(&pending{action: action, run: run})
		return fmt.Sprintf("That needs your confirmation: %s. Say yes to go ahead.", describe), nil
	default:
		return "", failure("I can't do that: " + dec.Reason)
	}
}
