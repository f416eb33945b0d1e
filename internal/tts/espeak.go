// Package tts speaks replies through espeak-ng.
package tts

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <espeak-ng/speak_lib.h>

static int
vox_espeak_init(const char *voice, int rate)
{
	if (espeak_Initialize(AUDIO_OUTPUT_SYNCH_PLAYBACK, 500, NULL, 0) < 0)
	{ return -1; }

	espeak_VOICE specs = { 0 };
	specs.languages = voice;
	if (espeak_SetVoiceByProperties(&specs) != EE_OK)
	{ return -2; }

	if (rate > 0)
	{ espeak_SetParameter(espeakRATE, rate, 0); }

	return 0;
}

static int
vox_espeak_say(const char *text)
{
	if (!text)
	{ return -1; }

	if (espeak_Synth(text, 0, 0, POS_CHARACTER, 0, espeakCHARS_AUTO, NULL, NULL) != EE_OK)
	{ return -2; }

	espeak_Synchronize();
	return 0;
}

static void
vox_espeak_stop(void)
{
	espeak_Cancel();
}
*/
import "C"

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"unsafe"
)

// Ducker lowers other audio while the assistant talks.
type Ducker interface {
	Duck(ctx context.Context) error
	Restore(ctx context.Context) error
}

type Options struct {
	Voice string // espeak language/voice, e.g. "en"
	Rate  int    // words per minute; 0 keeps the default
}

// Espeak is a speech.Speaker. espeak-ng has global state, so utterances are
// serialised.
type Espeak struct {
	mu     sync.Mutex
	ducker Ducker

	// OnSpeak is called with true before and false after each utterance.
	OnSpeak func(speaking bool)
}

func New(opt Options, ducker Ducker) (*Espeak, error) {
	if opt.Voice == "" {
		opt.Voice = "en"
	}
	cvoice := C.CString(opt.Voice)
	defer C.free(unsafe.Pointer(cvoice))

	if rc := C.vox_espeak_init(cvoice, C.int(opt.Rate)); rc != 0 {
		return nil, fmt.Errorf("espeak init with voice %q failed: %d", opt.Voice, int(rc))
	}
	return &Espeak{ducker: ducker}, nil
}

func (e *Espeak) Speak(ctx context.Context, text string, blocking bool) error {
	if text == "" {
		return nil
	}
	if !blocking {
		go func() {
			if err := e.say(context.WithoutCancel(ctx), text); err != nil {
				log.Error("Failed to speak", "err", err)
			}
		}()
		return nil
	}
	return e.say(ctx, text)
}

func (e *Espeak) say(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if e.OnSpeak != nil {
		e.OnSpeak(true)
		defer e.OnSpeak(false)
	}
	if e.ducker != nil {
		if err := e.ducker.Duck(ctx); err != nil {
			log.Warn("Failed to duck other audio", "err", err)
		}
		defer func() {
			if err := e.ducker.Restore(context.WithoutCancel(ctx)); err != nil {
				log.Warn("Failed to restore other audio", "err", err)
			}
		}()
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	stop := context.AfterFunc(ctx, func() { C.vox_espeak_stop() })
	defer stop()

	if rc := C.vox_espeak_say(ctext); rc != 0 {
		return fmt.Errorf("espeak synth failed: %d", int(rc))
	}
	return ctx.Err()
}

// Close releases espeak-ng.
func (e *Espeak) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	C.espeak_Terminate()
	return nil
}
