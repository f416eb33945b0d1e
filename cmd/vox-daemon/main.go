package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	cli "github.com/spf13/pflag"

	log "log/slog"

	"voxmind/internal/audio"
	"voxmind/internal/config"
	"voxmind/internal/dispatch"
	"voxmind/internal/ipc"
	"voxmind/internal/llm"
	"voxmind/internal/memory"
	"voxmind/internal/metrics"
	"voxmind/internal/notify"
	"voxmind/internal/orchestrator"
	"voxmind/internal/proxy"
	"voxmind/internal/safety"
	"voxmind/internal/schedule"
	"voxmind/internal/speech"
	"voxmind/internal/tts"
	"voxmind/internal/visual"
	"voxmind/pkg/audioconv"
	"voxmind/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

type flags struct {
	config       string
	env          string
	logLevel     string
	safetyLevel  string
	input        string
	proxy        string
	metrics      string
	noVisualizer bool
}

func main() {
	var f flags
	cli.StringVarP(&f.config, "config", "c", config.DefaultPath, "Config file (json or yaml)")
	cli.StringVarP(&f.env, "env", "e", ".env", "Env file path")
	cli.StringVarP(&f.logLevel, "log", "l", "", "Log level (debug, info, warn, error)")
	cli.StringVar(&f.safetyLevel, "safety-level", "", "Override safety level (off, safer, god)")
	cli.StringVarP(&f.input, "input", "i", "", `Speech input: "mic", "stdin" or comma separated audio files`)
	cli.StringVarP(&f.proxy, "proxy", "p", "", "SOCKS5 proxy for the model endpoints")
	cli.StringVar(&f.metrics, "metrics", "", "Serve Prometheus metrics on this address")
	cli.BoolVar(&f.noVisualizer, "no-visualizer", false, "Disable the websocket visualizer")
	cli.Parse()

	setupLogging(f.logLevel)

	cfg, err := config.Load(f.config, f.env)
	if err != nil {
		log.Error("Failed to load config", "path", f.config, "err", err)
		os.Exit(1)
	}
	if err := applyFlags(cfg, f); err != nil {
		log.Error("Bad command line", "err", err)
		os.Exit(1)
	}
	if f.logLevel == "" {
		setupLogging(cfg.General.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Booting up", "name", cfg.General.Name)

	orch, src, err := build(ctx, cfg)
	if err != nil {
		log.Error("Startup failed", "err", err)
		os.Exit(1)
	}

	log.Info("Boot up - successful")
	if err := orch.Run(ctx, src); err != nil {
		log.Error("Orchestrator stopped", "err", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, ok := logLevelMap[strings.ToLower(level)]
	if !ok {
		lvl = log.LevelInfo
	}
	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	})))
}

func applyFlags(cfg *config.Config, f flags) error {
	if f.safetyLevel != "" {
		if _, err := safety.ParseTier(f.safetyLevel); err != nil {
			return err
		}
		cfg.Safety.Level = f.safetyLevel
	}
	if f.input != "" {
		cfg.General.Input = f.input
	}
	if f.proxy != "" {
		cfg.General.Proxy = f.proxy
	}
	if f.metrics != "" {
		cfg.Metrics.Addr = f.metrics
	}
	if f.noVisualizer {
		cfg.Visualizer.Enabled = false
	}
	return nil
}

// closerFunc adapts a function to io.Closer for orchestrator.Own.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// build wires every component. Anything that fails here aborts startup
// before the conversation loop exists; resources opened so far are released.
func build(ctx context.Context, cfg *config.Config) (o *orchestrator.Orchestrator, src speech.Source, err error) {
	var opened []io.Closer
	defer func() {
		if err != nil {
			for i := len(opened) - 1; i >= 0; i-- {
				_ = opened[i].Close()
			}
		}
	}()

	httpClient, err := proxy.NewClient(cfg.General.Proxy, cfg.LLM.Timeout+10*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: %w", err)
	}

	gen := llm.New(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		ContextWindow: cfg.LLM.ContextWindow,
		Timeout:       cfg.LLM.Timeout,
		Retries:       cfg.LLM.Retries,
		HTTPClient:    httpClient,
	})
	if err := gen.Ping(ctx); err != nil {
		if cfg.LLM.Required {
			return nil, nil, fmt.Errorf("language model at %s: %w", cfg.LLM.BaseURL, err)
		}
		log.Warn("Language model unavailable, using canned replies", "url", cfg.LLM.BaseURL, "err", err)
	}

	var embedder memory.Embedder = memory.NewHashEmbedder(cfg.Memory.EmbeddingDims)
	if cfg.Memory.Embedding == "openai" {
		embedder = memory.NewOpenAIEmbedder(gen.API(), cfg.Memory.EmbeddingModel)
	}
	store, err := memory.Open(cfg.Memory.DatabasePath, memory.Options{
		Embedder:   embedder,
		Threshold:  cfg.Memory.SimilarityThreshold,
		MaxResults: cfg.Memory.MaxMemories,
	})
	if err != nil {
		return nil, nil, err
	}
	opened = append(opened, store)

	tier, err := cfg.Tier()
	if err != nil {
		return nil, nil, err
	}
	rules := cfg.Safety.Rules
	if cfg.Safety.RequireConfirmation {
		rules = rules.WithConfirmation()
	}
	engine := safety.NewEngine(rules, tier)

	rec := metrics.New()
	engine.OnDecision = func(d safety.Decision) {
		rec.Decision(d)
		if cfg.Safety.LogActions {
			log.Info("Safety decision", "action", d.ActionID, "category", d.Category,
				"verdict", d.Verdict, "tier", d.Tier, "reason", d.Reason)
		}
	}

	var safeDirs map[string]string
	if len(cfg.Safety.SafeDirs) > 0 {
		safeDirs = cfg.Safety.SafeDirs
	}
	disp := dispatch.New(dispatch.Options{
		Memory:       store,
		Generator:    gen,
		Policy:       engine,
		Shell:        safety.NewExecutor(),
		Probe:        dispatch.HostProbe{Sample: 200 * time.Millisecond},
		SafeDirs:     safeDirs,
		SystemPrompt: cfg.LLM.SystemPrompt,
	})
	opened = append(opened, disp)

	src, speaker, closers, err := buildSpeech(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	opened = append(opened, closers...)
	opened = append(opened, src)

	var (
		hub     *visual.Hub
		vis     orchestrator.Visualizer
		servers []*httpServer
	)
	if cfg.Visualizer.Enabled {
		hub = visual.NewHub()
		vis = hub
		srv, err := serve(cfg.Visualizer.Addr, hub)
		if err != nil {
			return nil, nil, fmt.Errorf("visualizer: %w", err)
		}
		opened = append(opened, hub, srv)
		servers = append(servers, srv)
		log.Info("Visualizer listening", "addr", cfg.Visualizer.Addr)
	}
	if cfg.Metrics.Addr != "" {
		srv, err := serve(cfg.Metrics.Addr, rec.Handler())
		if err != nil {
			return nil, nil, fmt.Errorf("metrics: %w", err)
		}
		opened = append(opened, srv)
		servers = append(servers, srv)
		log.Info("Metrics listening", "addr", cfg.Metrics.Addr)
	}

	o = orchestrator.New(orchestrator.Config{
		WakeWord: cfg.Audio.WakeWord,
		Timeout:  cfg.Audio.ConversationTimeout,
	}, orchestrator.Deps{
		Dispatcher: disp,
		Speaker:    speaker,
		Visualizer: vis,
		Safety:     engine,
		Observer:   rec,
	})

	sched := schedule.New(time.Minute)
	if cfg.Memory.CleanupSchedule != "" {
		if err := sched.Add("memory-cleanup", cfg.Memory.CleanupSchedule,
			schedule.CleanupJob(store, cfg.Memory.CleanupDays)); err != nil {
			return nil, nil, err
		}
	}
	if err := sched.Add("memory-stats", "@every 1m", func(ctx context.Context) error {
		st, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		rec.MemoryCounts(st.Counts)
		return nil
	}); err != nil {
		return nil, nil, err
	}
	opened = append(opened, sched)

	ctl := &ipc.Control{Assistant: o, Memory: store, Audit: engine, Model: gen}
	sock, err := ipc.Listen(cfg.IPC.Socket, ctl.Handle)
	if err != nil {
		return nil, nil, fmt.Errorf("control socket: %w", err)
	}
	opened = append(opened, sock)

	// Owned resources are released in reverse: ingress first, storage last.
	o.Own("memory", store)
	if cfg.Safety.AuditFile != "" {
		o.Own("audit", closerFunc(func() error { return writeAudit(cfg.Safety.AuditFile, engine) }))
	}
	o.Own("dispatcher", disp)
	for i, c := range closers {
		o.Own(fmt.Sprintf("speech-%d", i), c)
	}
	if hub != nil {
		o.Own("visualizer", hub)
	}
	for _, srv := range servers {
		o.Own("http "+srv.Addr, srv)
	}
	o.Own("scheduler", sched)
	o.Own("control", sock)

	sched.Start()
	return o, src, nil
}

// buildSpeech picks the input source and the voice for cfg.General.Input.
func buildSpeech(ctx context.Context, cfg *config.Config) (speech.Source, speech.Speaker, []io.Closer, error) {
	input := strings.TrimSpace(cfg.General.Input)
	if input == "stdin" {
		log.Info("Reading utterances from stdin")
		return speech.NewLineSource(os.Stdin), &speech.TextSpeaker{W: os.Stdout, Prefix: cfg.General.Name + ": "}, nil, nil
	}

	var closers []io.Closer
	fail := func(err error) (speech.Source, speech.Speaker, []io.Closer, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, nil, nil, err
	}

	tr, err := stt.NewTranscriber(cfg.Audio.WhisperModel, stt.Options{Language: cfg.Audio.Language})
	if err != nil {
		return fail(fmt.Errorf("whisper: %w", err))
	}
	closers = append(closers, tr)
	log.Debug("Loaded whisper", "model", cfg.Audio.WhisperModel)

	var ducker tts.Ducker
	if cfg.Audio.Duck {
		ducker = audio.NewDucker([]string{"espeak", "espeak-ng"}, cfg.Audio.DuckFactor, cfg.Audio.DuckFloor, 300*time.Millisecond)
	}
	voice, err := tts.New(tts.Options{Voice: cfg.Audio.Voice, Rate: cfg.Audio.SpeechRate}, ducker)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, voice)

	var src speech.Source
	if input == "mic" {
		rec := audio.NewRecorder(audio.VADConfig{
			SilenceRMS: cfg.Audio.SilenceThreshold,
			Hangover:   cfg.Audio.Hangover,
			MaxLength:  cfg.Audio.MaxUtterance,
		})
		if err := rec.Init(); err != nil {
			return fail(fmt.Errorf("init audio: %w", err))
		}
		closers = append(closers, rec)

		mic := speech.NewMicSource(ctx, rec, tr)
		voice.OnSpeak = mic.SetMuted
		src = mic
		log.Debug("Loaded recorder")
	} else {
		files := cfg.Inputs()
		for _, p := range files {
			if _, err := os.Stat(p); err != nil {
				return fail(fmt.Errorf("input %s: %w", p, err))
			}
		}
		decode := func(ctx context.Context, path string) ([]float32, error) {
			return audioconv.DecodeFile(ctx, path, audioconv.Options{})
		}
		src = speech.NewReplaySource(ctx, files, decode, tr)
		log.Info("Replaying recordings", "files", len(files))
	}

	var sp speech.Speaker = voice
	if cfg.Audio.BeepFile != "" {
		sp = &notify.Speaker{Chime: notify.NewChime(cfg.Audio.BeepFile), Next: voice, Ack: orchestrator.DefaultAck}
	}
	return src, sp, closers, nil
}

type httpServer struct {
	*http.Server
}

func (s *httpServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func serve(addr string, h http.Handler) (*httpServer, error) {
	srv := &httpServer{&http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	// Surface bind errors at startup.
	select {
	case err := <-errc:
		return nil, err
	case <-time.After(100 * time.Millisecond):
	}
	go func() {
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "addr", addr, "err", err)
		}
	}()
	return srv, nil
}

func writeAudit(path string, e *safety.Engine) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if err := e.Flush(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
