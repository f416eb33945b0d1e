// Package orchestrator runs the conversation loop: it waits for the wake
// word, hands utterances to the dispatcher while a conversation is active
// and drops back to listening after a period of silence.
//
// All conversational state is owned by the goroutine running Run. Other
// goroutines talk to it through channels and read snapshots via Status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"strings"
	"sync"
	"time"

	"voxmind/internal/dispatch"
	"voxmind/internal/safety"
	"voxmind/internal/speech"
)

const (
	DefaultWakeWord     = "assistant"
	DefaultTimeout      = 30 * time.Second
	DefaultAck          = "Yes, how can I help you?"
	DefaultTurnTimeout  = 90 * time.Second
	DefaultCloseTimeout = 5 * time.Second

	apology = "I'm sorry, I encountered an error processing your request."
)

// Visual states.
const (
	VisualIdle       = "idle"
	VisualListening  = "listening"
	VisualProcessing = "processing"
	VisualSpeaking   = "speaking"
)

var ErrStopped = errors.New("orchestrator stopped")

type Dispatcher interface {
	Handle(ctx context.Context, text string) (dispatch.Result, error)
}

type Visualizer interface {
	SetVisual(state string)
	UpdateLevel(level float64)
}

// TierControl is the safety engine as seen by the orchestrator.
type TierControl interface {
	Tier() safety.Tier
	SetTier(t safety.Tier)
}

// Observer receives mode changes and interaction outcomes, e.g. for metrics.
type Observer interface {
	ModeChanged(m Mode)
	Interaction(res dispatch.Result, failed bool, took time.Duration)
}

type Config struct {
	WakeWord     string
	Timeout      time.Duration
	Ack          string
	TurnTimeout  time.Duration
	CloseTimeout time.Duration
}

type Deps struct {
	Dispatcher Dispatcher
	Speaker    speech.Speaker
	Visualizer Visualizer
	Safety     TierControl
	Observer   Observer
}

type stopper interface {
	Stop() bool
}

type scheduler func(d time.Duration, f func()) stopper

func afterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

type owned struct {
	name string
	c    io.Closer
}

type Orchestrator struct {
	cfg  Config
	deps Deps

	schedule scheduler
	now      func() time.Time

	inject chan string
	cmds   chan func(ctx context.Context)
	fired  chan uint64
	done   chan struct{}

	// Actor-owned.
	state State
	gen   uint64
	timer stopper

	mu       sync.Mutex
	snapshot State
	resource []owned
	running  bool
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.WakeWord == "" {
		cfg.WakeWord = DefaultWakeWord
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Ack == "" {
		cfg.Ack = DefaultAck
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	cfg.WakeWord = strings.ToLower(strings.TrimSpace(cfg.WakeWord))

	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		schedule: afterFunc,
		now:      time.Now,
		inject:   make(chan string),
		cmds:     make(chan func(context.Context)),
		fired:    make(chan uint64),
		done:     make(chan struct{}),
	}
	if deps.Safety != nil {
		o.state.SafetyTier = deps.Safety.Tier()
	}
	o.snapshot = o.state
	return o
}

// Own registers a resource released at shutdown. Resources are closed in
// reverse order of registration.
func (o *Orchestrator) Own(name string, c io.Closer) {
	o.mu.Lock()
	o.resource = append(o.resource, owned{name, c})
	o.mu.Unlock()
}

// Status returns a copy of the current state.
func (o *Orchestrator) Status() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.snapshot
	if !s.Stats.StartTime.IsZero() && o.running {
		s.Stats.Uptime = o.now().Sub(s.Stats.StartTime)
	}
	return s
}

// Inject delivers text as if it had been heard.
func (o *Orchestrator) Inject(ctx context.Context, text string) error {
	select {
	case o.inject <- text:
		return nil
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTier changes the safety tier. Decisions already made are unaffected.
func (o *Orchestrator) SetTier(ctx context.Context, t safety.Tier) error {
	return o.do(ctx, func(context.Context) {
		prev := o.state.SafetyTier
		o.state.SafetyTier = t
		if o.deps.Safety != nil {
			o.deps.Safety.SetTier(t)
		}
		o.publish()
		log.Info("Safety level changed", "from", prev, "to", t)
	})
}

// Trigger starts a conversation without the wake word.
func (o *Orchestrator) Trigger(ctx context.Context) error {
	return o.do(ctx, func(ctx context.Context) {
		if o.state.Mode == Listening {
			o.wake(ctx)
		}
	})
}

// do runs fn on the actor goroutine and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(finished)
		fn(c)
	}

	select {
	case o.cmds <- wrapped:
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrStopped
	}
}

// Run drives the conversation loop until ctx is cancelled or the source
// closes its event channel. It always shuts down before returning.
func (o *Orchestrator) Run(ctx context.Context, src speech.Source) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	select {
	case <-o.done:
		o.mu.Unlock()
		return ErrStopped
	default:
	}
	o.running = true
	o.mu.Unlock()

	o.state.Stats.StartTime = o.now()
	o.state.LastActivity = o.state.Stats.StartTime
	o.setMode(Listening)
	o.visual(VisualListening)
	log.Info("Listening for wake word", "wake_word", o.cfg.WakeWord)

	events := src.Events()
	levels := src.Levels()

	for {
		select {
		case <-ctx.Done():
			o.shutdown(src)
			return nil

		case text, ok := <-events:
			if !ok {
				log.Info("Speech source closed")
				o.shutdown(src)
				return nil
			}
			o.onText(ctx, text)

		case text := <-o.inject:
			o.onText(ctx, text)

		case lvl, ok := <-levels:
			if !ok {
				levels = nil
				continue
			}
			if o.deps.Visualizer != nil {
				o.deps.Visualizer.UpdateLevel(lvl)
			}

		case g := <-o.fired:
			o.onTimeout(g)

		case fn := <-o.cmds:
			fn(ctx)
		}
	}
}

func (o *Orchestrator) onText(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	switch o.state.Mode {
	case Listening:
		if strings.Contains(strings.ToLower(text), o.cfg.WakeWord) {
			log.Info("Wake word detected", "text", text)
			o.wake(ctx)
		} else {
			log.Debug("Ignoring speech outside conversation", "text", text)
		}
	case Active:
		o.process(ctx, text)
	}
}

func (o *Orchestrator) wake(ctx context.Context) {
	o.state.LastActivity = o.now()
	o.setMode(Active)
	o.say(ctx, o.cfg.Ack)
	o.arm()
}

func (o *Orchestrator) process(ctx context.Context, text string) {
	o.disarm()

	o.state.Stats.TotalInteractions++
	o.state.LastActivity = o.now()
	o.publish()
	o.visual(VisualProcessing)

	log.Info("Processing", "text", text)

	// The utterance runs to completion even if shutdown starts meanwhile.
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TurnTimeout)
	start := o.now()
	res, err := o.handle(turnCtx, text)
	cancel()
	took := o.now().Sub(start)

	failed := err != nil || !res.Success
	reply := res.Response
	if err != nil {
		log.Error("Failed to process utterance", "text", text, "err", err)
		reply = apology
	}
	if failed {
		o.state.Stats.Errors++
	} else {
		o.state.Stats.SuccessfulInteractions++
	}
	o.publish()

	if o.deps.Observer != nil {
		o.deps.Observer.Interaction(res, failed, took)
	}
	log.Info("Responded", "handler", res.Handler, "success", !failed, "fallback", res.UsedFallback, "took", took)

	o.say(ctx, reply)
	o.state.LastActivity = o.now()
	o.publish()
	o.arm()
}

func (o *Orchestrator) handle(ctx context.Context, text string) (res dispatch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return o.deps.Dispatcher.Handle(ctx, text)
}

// say speaks text and returns the visual state to listening.
func (o *Orchestrator) say(ctx context.Context, text string) {
	o.visual(VisualSpeaking)
	if o.deps.Speaker != nil && text != "" {
		speakCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TurnTimeout)
		if err := o.deps.Speaker.Speak(speakCtx, text, true); err != nil {
			log.Error("Failed to speak", "err", err)
		}
		cancel()
	}
	o.visual(VisualListening)
}

// arm schedules the inactivity timer. Each arm gets a new generation so a
// fire from an older timer is ignored.
func (o *Orchestrator) arm() {
	o.gen++
	g := o.gen
	o.timer = o.schedule(o.cfg.Timeout, func() {
		select {
		case o.fired <- g:
		case <-o.done:
		}
	})
}

func (o *Orchestrator) disarm() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.gen++
}

func (o *Orchestrator) onTimeout(g uint64) {
	if g != o.gen || o.state.Mode != Active {
		return
	}
	o.timer = nil
	log.Info("Conversation timed out", "after", o.cfg.Timeout)
	o.setMode(Listening)
	o.visual(VisualListening)
}

func (o *Orchestrator) setMode(m Mode) {
	o.state.Mode = m
	o.publish()
	if o.deps.Observer != nil {
		o.deps.Observer.ModeChanged(m)
	}
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	o.snapshot = o.state
	o.mu.Unlock()
}

func (o *Orchestrator) visual(state string) {
	if o.deps.Visualizer != nil {
		o.deps.Visualizer.SetVisual(state)
	}
}

func (o *Orchestrator) shutdown(src speech.Source) {
	log.Info("Shutting down")

	if err := src.Close(); err != nil {
		log.Warn("Failed to close speech source", "err", err)
	}
	o.disarm()

	o.state.Stats.Uptime = o.now().Sub(o.state.Stats.StartTime)
	o.setMode(Idle)
	o.visual(VisualIdle)

	o.mu.Lock()
	o.running = false
	res := o.resource
	o.resource = nil
	o.mu.Unlock()
	close(o.done)

	st := o.state.Stats
	log.Info("Final statistics",
		"uptime", st.Uptime.Round(time.Second),
		"total", st.TotalInteractions,
		"successful", st.SuccessfulInteractions,
		"errors", st.Errors,
		"success_rate", fmt.Sprintf("%.1f%%", st.SuccessRate()*100),
	)

	for i := len(res) - 1; i >= 0; i-- {
		o.release(res[i])
	}
}

func (o *Orchestrator) release(r owned) {
	errc := make(chan error, 1)
	go func() { errc <- r.c.Close() }()

	select {
	case err := <-errc:
		if err != nil {
			log.Warn("Failed to release resource", "name", r.name, "err", err)
			return
		}
		log.Debug("Released", "name", r.name)
	case <-time.After(o.cfg.CloseTimeout):
		log.Warn("Gave up waiting for resource", "name", r.name, "after", o.cfg.CloseTimeout)
	}
}
