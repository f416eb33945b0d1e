package llm

import "strings"

var degraded = map[string]string{
	"greeting": "Hello! I'm having trouble connecting to my language model. How can I help you with basic tasks?",
	"math":     "I can help with basic calculations even without my language model.",
	"time":     "I can tell you the current time and date.",
	"system":   "I can provide system information.",
	"default":  "I'm sorry, I'm having trouble connecting to my language model right now. I can still help with basic tasks like math, time, and system information.",
}

var degradedTopics = []struct {
	topic string
	words []string
}{
	{"greeting", []string{"hello", "hi", "hey"}},
	{"math", []string{"calculate", "math", "compute"}},
	{"time", []string{"time", "date", "clock"}},
	{"system", []string{"system", "computer", "memory"}},
}

// Degraded returns a canned reply for prompt when the model cannot be reached.
func Degraded(prompt string) string {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		words[w] = true
	}

	for _, t := range degradedTopics {
		for _, w := range t.words {
			if words[w] {
				return degraded[t.topic]
			}
		}
	}
	return degraded["default"]
}
