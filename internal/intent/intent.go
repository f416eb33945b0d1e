// Package intent maps transcribed text to a structured intent.
//
// Classification is a pure function of the input: the same text always yields
// the same category, confidence and entities.
package intent

import (
	"regexp"
	"strings"
)

type Category string

const (
	Unknown       Category = "unknown"
	SystemAction  Category = "system_action"
	Math          Category = "math"
	Greeting      Category = "greeting"
	Goodbye       Category = "goodbye"
	TimeDate      Category = "time_date"
	SystemInfo    Category = "system_info"
	FileOperation Category = "file_operation"
	Weather       Category = "weather"
	Help          Category = "help"
	Question      Category = "question"
)

// Entity names.
const (
	EntityNumber      = "number"
	EntityOperation   = "operation"
	EntityFilePath    = "file_path"
	EntityApplication = "application"
	EntityLocation    = "location"
	EntityCommand     = "command"
)

type Intent struct {
	Category   Category            `json:"category"`
	Confidence float64             `json:"confidence"`
	Entities   map[string][]string `json:"entities"`
	RawText    string              `json:"raw_text"`
}

// Entity returns the first value extracted for name, or "".
func (in Intent) Entity(name string) string {
	if v := in.Entities[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

type rule struct {
	category Category
	patterns []*regexp.Regexp
}

// Rules are evaluated in order; the first category with a matching pattern
// wins. Math precedes question so "what is 2 plus 2" is arithmetic.
var rules = []rule{
	{SystemAction, compile(
		`^(please\s+)?(run|execute)\s+(the\s+)?(command\s+)?\S`,
		`^(sudo|rm|dd|mkfs|fdisk|chmod|chown|ls|df|ps|uptime|whoami|pwd|kill|shutdown|reboot)(\s|$)`,
	)},
	{Math, compile(
		`\d+(\.\d+)?\s*([-+*/%^x]|\*\*)\s*\d`,
		`\d+(\.\d+)?\s+(plus|minus|times|multiplied by|divided by|over|mod|modulo|to the power of)\s+\d`,
		`\b(calculate|compute|solve)\b`,
		`\b(square root|factorial|percent of)\b`,
	)},
	{Greeting, compile(
		`^(hi|hello|hey|good morning|good afternoon|good evening)\b`,
		`\b(how are you|what's up|how's it going)\b`,
	)},
	{Goodbye, compile(
		`\b(bye|goodbye|see you|farewell|good night|talk to you later)\b`,
	)},
	{TimeDate, compile(
		`\b(time|date|clock|calendar|today)\b`,
	)},
	{SystemInfo, compile(
		`\b(system|cpu|processor|memory|ram|disk|storage)\b`,
		`\b(usage|stats)\b`,
	)},
	{FileOperation, compile(
		`\b(files?|folders?|director(y|ies)|documents?)\b`,
	)},
	{Weather, compile(
		`\b(weather|forecast|rain|sunny|cloudy)\b`,
	)},
	{Help, compile(
		`\b(help|assist|support|capabilities|features)\b`,
		`what can you do`,
	)},
	{Question, compile(
		`^(what|who|when|where|why|how|which|can you|could you)\b`,
		`\b(tell me|explain|describe|define)\b`,
		`\?\s*$`,
	)},
}

var entityPatterns = []struct {
	name     string
	patterns []*regexp.Regexp
}{
	{EntityNumber, compile(`\b\d+(?:\.\d+)?\b`)},
	{EntityOperation, compile(`\b(add|subtract|multiply|divide|plus|minus|times|divided by)\b`)},
	{EntityFilePath, compile(`(?:^|\s)([~/]?[\w\-./]*[\w-]\.[A-Za-z]\w*)`, `(?:^|\s)([~/][\w\-./]*)`)},
	{EntityApplication, compile(`\b(firefox|chrome|terminal|calculator|editor)\b`)},
	{EntityLocation, compile(`\b(home|desktop|documents|downloads|pictures|music|videos)\b`)},
}

var commandRe = regexp.MustCompile(`(?i)^(?:please\s+)?(?:run|execute)\s+(?:the\s+)?(?:command\s+)?(.+)$`)

var clearCategories = map[Category]bool{
	Math:          true,
	FileOperation: true,
	SystemInfo:    true,
	TimeDate:      true,
	SystemAction:  true,
}

// Classify returns the intent of text. Unrecognised input yields Unknown with
// no entities.
func Classify(text string) Intent {
	raw := text
	norm := strings.ToLower(strings.TrimSpace(text))

	in := Intent{
		Category: Unknown,
		Entities: map[string][]string{},
		RawText:  raw,
	}
	if norm == "" {
		return in
	}

	for _, r := range rules {
		if matchAny(r.patterns, norm) {
			in.Category = r.category
			break
		}
	}
	if in.Category == Unknown {
		return in
	}

	in.Entities = extractEntities(strings.TrimSpace(raw))
	if in.Category == SystemAction {
		cmd := strings.TrimSpace(raw)
		if m := commandRe.FindStringSubmatch(cmd); m != nil {
			cmd = strings.TrimSpace(m[1])
		}
		in.Entities[EntityCommand] = []string{cmd}
	}
	in.Confidence = confidence(in)

	return in
}

func extractEntities(text string) map[string][]string {
	out := map[string][]string{}
	lower := strings.ToLower(text)

	for _, ep := range entityPatterns {
		src := lower
		if ep.name == EntityFilePath {
			src = text
		}

		var found []string
		for _, p := range ep.patterns {
			for _, m := range p.FindAllStringSubmatch(src, -1) {
				v := m[0]
				if len(m) > 1 && m[1] != "" {
					v = m[1]
				}
				found = appendUnique(found, strings.TrimSpace(v))
			}
		}
		if len(found) > 0 {
			out[ep.name] = found
		}
	}

	return out
}

func confidence(in Intent) float64 {
	c := 0.5

	n := 0
	for _, v := range in.Entities {
		n += len(v)
	}
	c += min(float64(n)*0.1, 0.3)

	if clearCategories[in.Category] {
		c += 0.2
	}

	return min(c, 1.0)
}

func matchAny(ps []*regexp.Regexp, s string) bool {
	for _, p := range ps {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}
