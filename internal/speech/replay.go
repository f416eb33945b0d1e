package speech

import (
	"context"
	log "log/slog"
	"path/filepath"
	"sync"
)

// DecodeFunc loads an audio file as 16 kHz mono PCM.
type DecodeFunc func(ctx context.Context, path string) ([]float32, error)

// ReplaySource transcribes a list of recorded files in order and closes its
// event channel after the last one.
type ReplaySource struct {
	events chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewReplaySource(ctx context.Context, paths []string, decode DecodeFunc, tr Transcriber) *ReplaySource {
	ctx, cancel := context.WithCancel(ctx)
	r := &ReplaySource{
		events: make(chan string),
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.play(ctx, paths, decode, tr)
	return r
}

func (r *ReplaySource) play(ctx context.Context, paths []string, decode DecodeFunc, tr Transcriber) {
	defer r.wg.Done()
	defer close(r.events)

	for _, p := range paths {
		pcm, err := decode(ctx, p)
		if err != nil {
			log.Error("Failed to decode recording", "file", filepath.Base(p), "err", err)
			continue
		}
		raw, err := tr.TranscribeText(ctx, pcm)
		if err != nil {
			log.Error("Failed to transcribe recording", "file", filepath.Base(p), "err", err)
			continue
		}
		text := CleanTranscript(raw)
		if text == "" {
			log.Warn("Recording has no speech", "file", filepath.Base(p))
			continue
		}

		select {
		case r.events <- text:
		case <-ctx.Done():
			return
		}
	}
}

func (r *ReplaySource) Events() <-chan string  { return r.events }
func (r *ReplaySource) Levels() <-chan float64 { return nil }

func (r *ReplaySource) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
	return nil
}
