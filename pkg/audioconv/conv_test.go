package audioconv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWAV(t *testing.T, path string, rate, channels int, frames int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]int, frames*channels)
	for i := range data {
		data[i] = 8192
	}

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func TestDecodeFile_WAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeWAV(t, path, 48000, 2, 4800)

	pcm, err := DecodeFile(context.Background(), path, Options{})
	require.NoError(t, err)

	assert.Len(t, pcm, 1600)
	assert.InDelta(t, 0.25, pcm[100], 1e-4)
}

func TestDecodeFile_MaxSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeWAV(t, path, 16000, 1, 16000)

	pcm, err := DecodeFile(context.Background(), path, Options{MaxSamples: 100})
	require.NoError(t, err)
	assert.Len(t, pcm, 100)
}

func TestDecodeFile_SniffsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.bin")
	writeWAV(t, path, 16000, 1, 320)

	pcm, err := DecodeFile(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Len(t, pcm, 320)
}

func TestDecodeFile_Unsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	_, err := DecodeFile(context.Background(), path, Options{})
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestDownmixAndResample(t *testing.T) {
	assert.Equal(t, []float32{0.5, 0}, downmix([]float32{1, 0, 0.5, -0.5}, 2))

	in := make([]float32, 300)
	assert.Len(t, resampleLinear(in, 48000, 16000), 100)
	assert.Equal(t, in, resampleLinear(in, 16000, 16000))
}
