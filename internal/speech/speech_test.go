package speech

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		case <-timeout:
			t.Fatal("event channel was not closed")
		}
	}
}

func TestCleanTranscript(t *testing.T) {
	cases := map[string]string{
		" [BLANK_AUDIO] ":                "",
		"hey assistant (music)":          "hey assistant",
		"  what   time *coughs* is it  ": "what time is it",
		"[_TT_500] open the [inaudible]": "open the",
		"plain text":                     "plain text",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanTranscript(in), in)
	}
}

func TestLineSource(t *testing.T) {
	src := NewLineSource(strings.NewReader("hey assistant\n\n  [BLANK_AUDIO]\nwhat is 2 plus 2\n"))
	defer src.Close()

	assert.Nil(t, src.Levels())
	assert.Equal(t, []string{"hey assistant", "what is 2 plus 2"}, collect(t, src.Events()))
}

func TestLineSource_CloseStopsReader(t *testing.T) {
	src := NewLineSource(strings.NewReader("one\ntwo\nthree\n"))
	require.Equal(t, "one", <-src.Events())
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	// Whatever was in flight, the channel ends up closed.
	collect(t, src.Events())
}

func TestTextSpeaker(t *testing.T) {
	var buf bytes.Buffer
	sp := &TextSpeaker{W: &buf, Prefix: "> "}
	require.NoError(t, sp.Speak(context.Background(), "hello", true))
	assert.Equal(t, "> hello\n", buf.String())
}

type fakeRecorder struct {
	mu    sync.Mutex
	takes [][]float32
	errs  []error
	gate  chan struct{}
}

func (f *fakeRecorder) RecordUtterance(ctx context.Context, onLevel func(float64)) ([]float32, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	if len(f.takes) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	pcm, err := f.takes[0], f.errs[0]
	f.takes, f.errs = f.takes[1:], f.errs[1:]
	f.mu.Unlock()

	onLevel(0.5)
	return pcm, err
}

type fakeTranscriber map[int]string

func (f fakeTranscriber) TranscribeText(_ context.Context, pcm []float32) (string, error) {
	text, ok := f[len(pcm)]
	if !ok {
		return "", errors.New("no model")
	}
	return text, nil
}

func TestMicSource(t *testing.T) {
	rec := &fakeRecorder{
		takes: [][]float32{nil, make([]float32, 1), nil, make([]float32, 2), make([]float32, 3)},
		errs:  []error{errors.New("device busy"), nil, nil, nil, nil},
	}
	tr := fakeTranscriber{1: " [BLANK_AUDIO] ", 2: " hey assistant ", 3: "what time is it"}

	m := NewMicSource(context.Background(), rec, tr)

	assert.Equal(t, "hey assistant", <-m.Events())
	assert.Equal(t, "what time is it", <-m.Events())
	assert.Equal(t, 0.5, <-m.Levels())

	require.NoError(t, m.Close())
	collect(t, m.Events())
}

func TestMicSource_MutedDropsAudio(t *testing.T) {
	rec := &fakeRecorder{
		takes: [][]float32{make([]float32, 2)},
		errs:  []error{nil},
		gate:  make(chan struct{}),
	}
	m := NewMicSource(context.Background(), rec, fakeTranscriber{2: "I heard myself"})
	m.SetMuted(true)
	close(rec.gate)

	select {
	case text := <-m.Events():
		t.Fatalf("unexpected event %q", text)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, m.Close())
}

func TestReplaySource(t *testing.T) {
	decode := func(_ context.Context, path string) ([]float32, error) {
		switch path {
		case "a.wav":
			return make([]float32, 1), nil
		case "b.wav":
			return make([]float32, 2), nil
		}
		return nil, errors.New("unsupported")
	}
	tr := fakeTranscriber{1: "hey assistant", 2: "(silence)"}

	r := NewReplaySource(context.Background(), []string{"a.wav", "bad.txt", "b.wav", "a.wav"}, decode, tr)
	defer r.Close()

	assert.Equal(t, []string{"hey assistant", "hey assistant"}, collect(t, r.Events()))
}
