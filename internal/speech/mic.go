package speech

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder captures one utterance at a time. A nil slice with a nil error
// means nobody spoke.
type Recorder interface {
	RecordUtterance(ctx context.Context, onLevel func(float64)) ([]float32, error)
}

// MicSource records utterances from a microphone and transcribes them.
// While muted, recorded audio is thrown away so the assistant does not hear
// itself.
type MicSource struct {
	rec Recorder
	tr  Transcriber

	events chan string
	levels chan float64
	muted  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	retryDelay time.Duration
}

func NewMicSource(ctx context.Context, rec Recorder, tr Transcriber) *MicSource {
	ctx, cancel := context.WithCancel(ctx)
	m := &MicSource{
		rec:        rec,
		tr:         tr,
		events:     make(chan string),
		levels:     make(chan float64, 64),
		cancel:     cancel,
		retryDelay: time.Second,
	}
	m.wg.Add(1)
	go m.loop(ctx)
	return m
}

func (m *MicSource) Events() <-chan string  { return m.events }
func (m *MicSource) Levels() <-chan float64 { return m.levels }

// SetMuted is meant to be hooked to the speaker.
func (m *MicSource) SetMuted(muted bool) {
	m.muted.Store(muted)
}

func (m *MicSource) Close() error {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
	return nil
}

func (m *MicSource) loop(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.events)

	for ctx.Err() == nil {
		pcm, err := m.rec.RecordUtterance(ctx, m.level)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Failed to record", "err", err)
			m.sleep(ctx, m.retryDelay)
			continue
		}
		if len(pcm) == 0 || m.muted.Load() {
			continue
		}

		raw, err := m.tr.TranscribeText(ctx, pcm)
		if err != nil {
			log.Error("Failed to transcribe", "err", err)
			continue
		}
		text := CleanTranscript(raw)
		if text == "" {
			continue
		}
		log.Debug("Heard", "text", text)

		select {
		case m.events <- text:
		case <-ctx.Done():
			return
		}
	}
}

// level forwards a frame level without ever blocking the recorder.
func (m *MicSource) level(v float64) {
	select {
	case m.levels <- v:
	default:
	}
}

func (m *MicSource) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
