package dispatch

import (
	"context"
	log "log/slog"
	"strings"
	"unicode"
)

var (
	positiveWords = []string{"good", "great", "perfect", "thanks"}
	negativeWords = []string{"wrong", "bad", "incorrect", "no"}
)

const detailedQueryWords = 10

// learn records preferences implied by text. Feedback words refer to prev,
// the exchange before this one.
func (d *Dispatcher) learn(ctx context.Context, text string, prev *exchange) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	if len(strings.Fields(text)) > detailedQueryWords {
		d.prefer(ctx, "query_style", map[string]string{
			"prefers_detailed": "true",
			"input":            text,
		})
	}

	if prev == nil {
		return
	}

	var kind string
	switch {
	case containsWord(words, positiveWords):
		kind = "positive_feedback"
	case containsWord(words, negativeWords):
		kind = "negative_feedback"
	default:
		return
	}

	d.prefer(ctx, kind, map[string]string{
		"input":    prev.user,
		"response": prev.assistant,
		"feedback": text,
	})
}

func (d *Dispatcher) prefer(ctx context.Context, kind string, data map[string]string) {
	if _, err := d.memory.StorePreference(ctx, kind, data); err != nil {
		log.Warn("Preference not stored", "type", kind, "err", err)
		return
	}
	log.Debug("Learned preference", "type", kind)
}

func containsWord(words, set []string) bool {
	for _, w := range words {
		for _, s := range set {
			if w == s {
				return true
			}
		}
	}
	return false
}
