package notify

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSpeaker struct{ said []string }

func (r *recordingSpeaker) Speak(_ context.Context, text string, _ bool) error {
	r.said = append(r.said, text)
	return nil
}

func TestChime_Disabled(t *testing.T) {
	var c *Chime
	assert.NoError(t, c.Play(context.Background()))
	assert.NoError(t, NewChime("").Play(context.Background()))
}

func TestChime_MissingFile(t *testing.T) {
	err := NewChime(filepath.Join(t.TempDir(), "beep.mp3")).Play(context.Background())
	assert.ErrorContains(t, err, "open chime")
}

func TestSpeaker_ChimeFailureStillSpeaks(t *testing.T) {
	next := &recordingSpeaker{}
	s := &Speaker{
		Chime: NewChime(filepath.Join(t.TempDir(), "missing.mp3")),
		Next:  next,
		Ack:   "Yes?",
	}

	require.NoError(t, s.Speak(context.Background(), "Yes?", true))
	require.NoError(t, s.Speak(context.Background(), "It is noon.", true))
	assert.Equal(t, []string{"Yes?", "It is noon."}, next.said)
}
