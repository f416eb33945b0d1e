package audio

import (
	"context"
	"math"
	"time"

	"github.com/gordonklaus/portaudio"
)

const SampleRate = 16000

type VADConfig struct {
	// SilenceRMS is the frame level below which audio counts as silence.
	SilenceRMS float64
	// Hangover is how much trailing silence ends an utterance.
	Hangover  time.Duration
	MaxLength time.Duration
}

func DefaultVAD() VADConfig {
	return VADConfig{
		SilenceRMS: 0.015,
		Hangover:   600 * time.Millisecond,
		MaxLength:  10 * time.Second,
	}
}

type Recorder struct {
	vad VADConfig
}

func NewRecorder(vad VADConfig) *Recorder {
	d := DefaultVAD()
	if vad.SilenceRMS <= 0 {
		vad.SilenceRMS = d.SilenceRMS
	}
	if vad.Hangover <= 0 {
		vad.Hangover = d.Hangover
	}
	if vad.MaxLength <= 0 {
		vad.MaxLength = d.MaxLength
	}
	return &Recorder{vad: vad}
}

func (r *Recorder) Init() error {
	return portaudio.Initialize()
}

func (r *Recorder) Close() error {
	return portaudio.Terminate()
}

// RecordUtterance records from the default input until speech is followed by
// enough silence, MaxLength passes or ctx is done. onLevel, if set, receives
// the RMS of every frame. It returns nil samples when nobody spoke.
func (r *Recorder) RecordUtterance(ctx context.Context, onLevel func(float64)) ([]float32, error) {
	const frameSize = 320 // 20ms

	buf := make([]float32, frameSize)
	out := make([]float32, 0, SampleRate*3)

	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, len(buf), buf)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Stop()

	var (
		speaking bool
		silence  time.Duration
	)
	frameDur := time.Second * frameSize / SampleRate
	maxFrames := int(r.vad.MaxLength / frameDur)

	for i := 0; i < maxFrames; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := stream.Read(); err != nil {
			return nil, err
		}

		rms := FrameRMS(buf)
		if onLevel != nil {
			onLevel(rms)
		}

		if rms > r.vad.SilenceRMS {
			speaking = true
			silence = 0
			out = append(out, buf...)
			continue
		}
		if !speaking {
			continue
		}
		silence += frameDur
		if silence >= r.vad.Hangover {
			break
		}
		out = append(out, buf...)
	}

	if !speaking {
		return nil, nil
	}
	return out, nil
}

func FrameRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
