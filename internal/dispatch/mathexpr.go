package dispatch

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
)

var numberWords = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"ten": "10", "eleven": "11", "twelve": "12", "thirteen": "13",
	"fourteen": "14", "fifteen": "15", "sixteen": "16", "seventeen": "17",
	"eighteen": "18", "nineteen": "19", "twenty": "20", "thirty": "30",
	"forty": "40", "fifty": "50", "sixty": "60", "seventy": "70",
	"eighty": "80", "ninety": "90", "hundred": "100", "thousand": "1000",
}

// Rewrites applied in order; longer phrases first.
var mathRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`square root of\s*(\d+(?:\.\d+)?)`), " sqrt($1) "},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*factorial`), " factorial($1) "},
	{regexp.MustCompile(`factorial of\s*(\d+(?:\.\d+)?)`), " factorial($1) "},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:percent|%)\s*of\s*(\d+(?:\.\d+)?)`), " ($1 / 100 * $2) "},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*squared`), " ($1 ** 2) "},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*cubed`), " ($1 ** 3) "},
	{regexp.MustCompile(`\b(?:to the power of|raised to)\b`), " ** "},
	{regexp.MustCompile(`\b(?:multiplied by|times)\b`), " * "},
	{regexp.MustCompile(`\b(?:divided by|over)\b`), " / "},
	{regexp.MustCompile(`\bplus\b|\badd\b`), " + "},
	{regexp.MustCompile(`\bminus\b|\bsubtract\b`), " - "},
	{regexp.MustCompile(`\bmod(?:ulo)?\b`), " % "},
	{regexp.MustCompile(`(\d)\s*x\s*(\d)`), "$1 * $2"},
	{regexp.MustCompile(`\^`), " ** "},
}

var hyphenWords = regexp.MustCompile(`([a-z])-([a-z])`)

func isTens(w string) bool {
	return len(w) == 2 && w[0] >= '2' && w[0] <= '9' && w[1] == '0'
}

var mathToken = regexp.MustCompile(`\d+(?:\.\d+)?|\*\*|[-+*/%()]|sqrt|factorial`)

var mathFuncs = map[string]govaluate.ExpressionFunction{
	"sqrt": func(args ...interface{}) (interface{}, error) {
		x, err := oneArg(args)
		if err != nil {
			return nil, err
		}
		if x < 0 {
			return nil, errors.New("square root of a negative number")
		}
		return math.Sqrt(x), nil
	},
	"factorial": func(args ...interface{}) (interface{}, error) {
		x, err := oneArg(args)
		if err != nil {
			return nil, err
		}
		if x < 0 || x != math.Trunc(x) || x > 170 {
			return nil, fmt.Errorf("factorial needs a whole number from 0 to 170, got %v", x)
		}
		r := 1.0
		for i := 2.0; i <= x; i++ {
			r *= i
		}
		return r, nil
	},
}

func oneArg(args []interface{}) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	x, ok := args[0].(float64)
	if !ok {
		return 0, fmt.Errorf("not a number: %v", args[0])
	}
	return x, nil
}

// mathExpression rewrites a spoken request into an arithmetic expression.
// It returns "" when no expression is found.
func mathExpression(text string) string {
	s := strings.ToLower(text)
	s = hyphenWords.ReplaceAllString(s, "$1 $2")
	s = strings.ReplaceAll(s, "-", " - ")

	var words []string
	for _, w := range strings.Fields(s) {
		n, ok := numberWords[strings.Trim(w, "?.,!")]
		if !ok {
			words = append(words, w)
			continue
		}
		// "twenty one" -> 21
		if last := len(words) - 1; last >= 0 && len(n) == 1 && isTens(words[last]) {
			words[last] = words[last][:1] + n
			continue
		}
		words = append(words, n)
	}
	s = strings.Join(words, " ")

	for _, r := range mathRewrites {
		s = r.re.ReplaceAllString(s, r.repl)
	}

	toks := mathToken.FindAllString(s, -1)
	hasDigit := false
	for _, t := range toks {
		if t[0] >= '0' && t[0] <= '9' {
			hasDigit = true
			break
		}
	}
	if !hasDigit {
		return ""
	}
	return strings.Join(toks, " ")
}

// evaluate computes expr with govaluate.
func evaluate(expr string) (float64, error) {
	e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, mathFuncs)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", expr, err)
	}
	v, err := e.Evaluate(nil)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%q is not arithmetic", expr)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errUndefined
	}
	return f, nil
}

var errUndefined = errors.New("result is undefined")

func formatNumber(f float64) string {
	if math.Abs(f) < 1e12 {
		f = math.Round(f*1e10) / 1e10
	}
	if f == 0 {
		f = 0 // drop negative zero
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
