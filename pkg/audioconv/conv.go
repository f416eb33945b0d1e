// Package audioconv decodes audio files into mono float32 PCM at 16 kHz, the
// format whisper.cpp expects.
package audioconv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

const TargetRate = 16000

var ErrUnsupported = errors.New("unsupported audio format")

// PCM is decoded, interleaved audio before conversion.
type PCM struct {
	Samples  []float32
	Rate     int
	Channels int
}

type decoder func(r io.ReadSeeker) (PCM, error)

// Decoders keyed by file extension. Ogg files may hold Vorbis or Opus.
var decoders = map[string][]decoder{
	".wav":  {decodeWAV},
	".mp3":  {decodeMP3},
	".ogg":  {decodeVorbis, decodeOpus},
	".oga":  {decodeVorbis, decodeOpus},
	".opus": {decodeOpus},
}

var magic = map[string][]decoder{
	"RIFF":    {decodeWAV},
	"OggS":    {decodeVorbis, decodeOpus},
	"ID3\x03": {decodeMP3},
	"ID3\x04": {decodeMP3},
}

type Options struct {
	// MaxSamples truncates the output; 0 keeps everything.
	MaxSamples int
}

// DecodeFile reads path and returns mono PCM at TargetRate.
func DecodeFile(ctx context.Context, path string, opt Options) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chain := decoders[strings.ToLower(filepath.Ext(path))]
	if chain == nil {
		head, _ := bufio.NewReader(f).Peek(4)
		chain = magic[string(head)]
	}
	if chain == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
	}
	return Decode(ctx, f, chain, opt)
}

// Decode tries each decoder on r in turn.
func Decode(ctx context.Context, r io.ReadSeeker, chain []decoder, opt Options) ([]float32, error) {
	var errs []error
	for _, dec := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		pcm, err := dec(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return toMono16k(pcm, opt), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrUnsupported, errors.Join(errs...))
}

// DecodeWAV decodes a WAV stream.
func DecodeWAV(ctx context.Context, r io.ReadSeeker, opt Options) ([]float32, error) {
	return Decode(ctx, r, []decoder{decodeWAV}, opt)
}

func toMono16k(p PCM, opt Options) []float32 {
	x := downmix(p.Samples, p.Channels)
	x = resampleLinear(x, p.Rate, TargetRate)
	if opt.MaxSamples > 0 && len(x) > opt.MaxSamples {
		x = x[:opt.MaxSamples]
	}
	return x
}

func decodeWAV(r io.ReadSeeker) (PCM, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return PCM{}, errors.New("invalid wav")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("read wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return PCM{}, errors.New("empty wav")
	}

	bits := int(dec.BitDepth)
	if bits == 0 {
		bits = 16
	}
	p := PCM{
		Samples:  intsToFloat(buf.Data, bits),
		Rate:     int(dec.SampleRate),
		Channels: int(dec.NumChans),
	}
	if buf.Format != nil {
		p.Rate = buf.Format.SampleRate
		p.Channels = buf.Format.NumChannels
	}
	return p, nil
}

func decodeMP3(r io.ReadSeeker) (PCM, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return PCM{}, fmt.Errorf("mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return PCM{}, fmt.Errorf("read mp3: %w", err)
	}
	ints := make([]int16, len(raw)/2)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, ints); err != nil {
		return PCM{}, err
	}
	// go-mp3 always produces 16-bit stereo.
	return PCM{Samples: int16sToFloat(ints), Rate: dec.SampleRate(), Channels: 2}, nil
}

func decodeVorbis(r io.ReadSeeker) (PCM, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return PCM{}, fmt.Errorf("vorbis: %w", err)
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return PCM{}, errors.New("invalid vorbis stream")
	}
	return PCM{Samples: samples, Rate: format.SampleRate, Channels: format.Channels}, nil
}

func decodeOpus(r io.ReadSeeker) (PCM, error) {
	dec, err := popus.NewDecoder(r)
	if err != nil {
		return PCM{}, fmt.Errorf("opus: %w", err)
	}
	defer dec.Destroy()

	ch := max(dec.ChannelCount(), 1)

	var out []float32
	buf := make([]int16, 48_000*ch/2)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			out = append(out, int16sToFloat(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return PCM{}, fmt.Errorf("read opus: %w", err)
		}
	}
	// Opus always decodes at 48 kHz.
	return PCM{Samples: out, Rate: 48000, Channels: ch}, nil
}
