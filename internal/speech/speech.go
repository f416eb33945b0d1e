// Package speech defines where utterances come from and where replies go,
// along with the sources the daemon can listen on.
package speech

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

// Source produces transcribed utterances. Events is closed when the source
// has nothing more to say; Levels may be nil.
type Source interface {
	Events() <-chan string
	Levels() <-chan float64
	Close() error
}

// Speaker renders text as speech. With blocking set, Speak returns after
// playback has finished.
type Speaker interface {
	Speak(ctx context.Context, text string, blocking bool) error
}

// Transcriber turns 16 kHz mono PCM into text.
type Transcriber interface {
	TranscribeText(ctx context.Context, pcm []float32) (string, error)
}

var (
	annotationRe = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|\*[^*]*\*`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// CleanTranscript strips whisper annotations such as [BLANK_AUDIO] or
// (music) and collapses whitespace.
func CleanTranscript(s string) string {
	s = annotationRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// TextSpeaker writes replies to W instead of speaking them.
type TextSpeaker struct {
	mu     sync.Mutex
	W      io.Writer
	Prefix string
}

func (t *TextSpeaker) Speak(_ context.Context, text string, _ bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.W, "%s%s\n", t.Prefix, text)
	return err
}
