package audio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pactlOutput = `Sink Input #42
	Driver: PipeWire
	Volume: front-left: 65536 / 100% / 0.00 dB,   front-right: 65536 / 100% / 0.00 dB
	Properties:
		application.name = "Firefox"
Sink Input #43
	Volume: front-left: 32768 /  50% / -18.06 dB
	Properties:
		application.name = "voxmind"
Sink Input #44
	Properties:
		media.name = "nothing useful"
`

func TestParseSinkInputs(t *testing.T) {
	got := parseSinkInputs(pactlOutput)
	require.Len(t, got, 2)
	assert.Equal(t, sinkInput{ID: 42, Volume: 100, AppName: "Firefox"}, got[0])
	assert.Equal(t, sinkInput{ID: 43, Volume: 50, AppName: "voxmind"}, got[1])

	assert.Empty(t, parseSinkInputs(""))
}

type fakePactl struct {
	mu   sync.Mutex
	sets []string
	err  error
}

func (f *fakePactl) run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if args[0] == "list" {
		return []byte(pactlOutput), nil
	}
	f.sets = append(f.sets, strings.Join(args[1:], " "))
	return nil, nil
}

func TestDucker_DuckAndRestore(t *testing.T) {
	p := &fakePactl{}
	d := NewDucker([]string{"voxmind"}, 0.3, 20, 0)
	d.pactl = p.run

	require.NoError(t, d.Duck(context.Background()))
	assert.Equal(t, []string{"42 30%"}, p.sets)

	// Second duck is a no-op.
	require.NoError(t, d.Duck(context.Background()))
	assert.Len(t, p.sets, 1)

	require.NoError(t, d.Restore(context.Background()))
	assert.Equal(t, []string{"42 30%", "42 100%"}, p.sets)
}

func TestDucker_Floor(t *testing.T) {
	p := &fakePactl{}
	d := NewDucker([]string{"voxmind"}, 0.05, 25, 0)
	d.pactl = p.run

	require.NoError(t, d.Duck(context.Background()))
	assert.Equal(t, []string{"42 25%"}, p.sets)
}

func TestDucker_PactlMissing(t *testing.T) {
	d := NewDucker(nil, 0.3, 0, 0)
	d.pactl = (&fakePactl{err: errors.New("exec: pactl not found")}).run

	assert.Error(t, d.Duck(context.Background()))
	assert.NoError(t, d.Restore(context.Background()))
}

func TestFrameRMS(t *testing.T) {
	assert.Zero(t, FrameRMS(nil))
	assert.InDelta(t, 0.5, FrameRMS([]float32{0.5, -0.5, 0.5, -0.5}), 1e-9)
}
