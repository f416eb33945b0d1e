package speech

import (
	"bufio"
	"io"
	log "log/slog"
	"sync"
)

// LineSource emits each non-empty line read from r. It is used for headless
// runs where utterances are typed on stdin.
type LineSource struct {
	events chan string
	stop   chan struct{}
	once   sync.Once
}

func NewLineSource(r io.Reader) *LineSource {
	s := &LineSource{
		events: make(chan string),
		stop:   make(chan struct{}),
	}
	go s.read(r)
	return s
}

func (s *LineSource) read(r io.Reader) {
	defer close(s.events)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := CleanTranscript(sc.Text())
		if line == "" {
			continue
		}
		select {
		case s.events <- line:
		case <-s.stop:
			return
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("Failed to read input", "err", err)
	}
}

func (s *LineSource) Events() <-chan string  { return s.events }
func (s *LineSource) Levels() <-chan float64 { return nil }

func (s *LineSource) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
