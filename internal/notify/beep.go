// Package notify plays the short chime that tells the user the assistant is
// listening.
package notify

import (
	"context"
	"fmt"
	log "log/slog"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

// Chime plays an mp3 file. The speaker is initialised on first use with the
// file's sample rate.
type Chime struct {
	path string

	mu     sync.Mutex
	inited bool
	rate   beep.SampleRate
}

func NewChime(path string) *Chime {
	return &Chime{path: path}
}

// Play blocks until the chime finished or ctx is done.
func (c *Chime) Play(ctx context.Context) error {
	if c == nil || c.path == "" {
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("open chime: %w", err)
	}

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("decode chime %s: %w", c.path, err)
	}
	defer streamer.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	var s beep.Streamer = streamer
	if !c.inited {
		if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
			return fmt.Errorf("init speaker: %w", err)
		}
		c.inited, c.rate = true, format.SampleRate
	} else if format.SampleRate != c.rate {
		s = beep.Resample(4, format.SampleRate, c.rate, streamer)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(s, beep.Callback(func() { close(done) })))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// Speaker plays the chime before each acknowledgement so the user hears
// that the assistant is ready.
type Speaker struct {
	Chime *Chime
	Next  interface {
		Speak(ctx context.Context, text string, blocking bool) error
	}
	// Ack is the text that gets the chime.
	Ack string
}

func (s *Speaker) Speak(ctx context.Context, text string, blocking bool) error {
	if text == s.Ack {
		if err := s.Chime.Play(ctx); err != nil {
			log.Warn("Failed to play chime", "err", err)
		}
	}
	return s.Next.Speak(ctx, text, blocking)
}
