package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"voxmind/internal/intent"
	"voxmind/internal/safety"
)

const maxListed = 10

func isCategory(c intent.Category) func(intent.Intent) bool {
	return func(in intent.Intent) bool { return in.Category == c }
}

func (d *Dispatcher) registerBuiltins() {
	d.Register(Handler{"system_action", isCategory(intent.SystemAction), d.systemAction})
	d.Register(Handler{"math", isCategory(intent.Math), d.math})
	d.Register(Handler{"file_list", isCategory(intent.FileOperation), d.listFiles})
	d.Register(Handler{"system_info", isCategory(intent.SystemInfo), d.systemInfo})
	d.Register(Handler{"time_date", isCategory(intent.TimeDate), d.timeDate})
	d.Register(Handler{"help", isCategory(intent.Help), d.help})
	d.Register(Handler{"greeting", isCategory(intent.Greeting), d.greeting})
	d.Register(Handler{"goodbye", isCategory(intent.Goodbye), d.goodbye})
	d.Register(Handler{"weather", isCategory(intent.Weather), d.weather})
}

func (d *Dispatcher) math(_ context.Context, in intent.Intent) (string, error) {
	expr := mathExpression(in.RawText)
	if expr == "" {
		return "", failure("I couldn't find a mathematical expression in your request. Please try something like '2 + 2' or 'square root of 16'.")
	}
	v, err := evaluate(expr)
	if errors.Is(err, errUndefined) {
		return "", failure("That result is undefined.")
	}
	if err != nil {
		return "", failure("I couldn't calculate that expression. Please check the syntax.")
	}
	return formatNumber(v), nil
}

func (d *Dispatcher) timeDate(_ context.Context, in intent.Intent) (string, error) {
	now := d.now()
	text := strings.ToLower(in.RawText)

	switch {
	case strings.Contains(text, "time") || strings.Contains(text, "clock"):
		return "The current time is " + now.Format("03:04 PM"), nil
	case strings.Contains(text, "date") || strings.Contains(text, "today"):
		return "Today is " + now.Format("Monday, January 02, 2006"), nil
	default:
		return "It's currently " + now.Format("03:04 PM on Monday, January 02, 2006"), nil
	}
}

func (d *Dispatcher) systemInfo(ctx context.Context, in intent.Intent) (string, error) {
	text := strings.ToLower(in.RawText)

	switch {
	case strings.Contains(text, "memory") || strings.Contains(text, "ram"):
		m, err := d.probe.Memory(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Memory usage: %.1f%% (%d GB used of %d GB total)", m.Percent, m.Used/gib, m.Total/gib), nil
	case strings.Contains(text, "cpu") || strings.Contains(text, "processor"):
		c, err := d.probe.CPU(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("CPU usage: %.1f%% (%d cores)", c.Percent, c.Cores), nil
	case strings.Contains(text, "disk") || strings.Contains(text, "storage"):
		u, err := d.probe.Disk(ctx, "/")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Disk usage: %.1f%% (%d GB used of %d GB total)", u.Percent, u.Used/gib, u.Total/gib), nil
	}

	c, err := d.probe.CPU(ctx)
	if err != nil {
		return "", err
	}
	m, err := d.probe.Memory(ctx)
	if err != nil {
		return "", err
	}
	u, err := d.probe.Disk(ctx, "/")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("System status: CPU %.1f%%, memory %.1f%%, disk %.1f%%.", c.Percent, m.Percent, u.Percent), nil
}

// DefaultSafeDirs are the directories the file handler may list, keyed by the
// spoken location. "" is the working directory.
func DefaultSafeDirs() map[string]string {
	dirs := map[string]string{}
	if wd, err := os.Getwd(); err == nil {
		dirs[""] = wd
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dirs
	}
	for _, name := range []string{"Documents", "Downloads", "Desktop", "Pictures", "Music", "Videos"} {
		dirs[strings.ToLower(name)] = filepath.Join(home, name)
	}
	dirs["home"] = home
	return dirs
}

func (d *Dispatcher) listFiles(ctx context.Context, in intent.Intent) (string, error) {
	text := strings.ToLower(in.RawText)
	if !strings.Contains(text, "list") && !strings.Contains(text, "show") && !strings.Contains(text, "what") {
		return "", failure("I can only list files for now. Try 'list files in documents'.")
	}

	loc := in.Entity(intent.EntityLocation)
	dir, ok := d.safeDirs[loc]
	if !ok {
		return "", failure(fmt.Sprintf("I can't list %s, it is not one of my safe folders.", loc))
	}

	run := func(context.Context) (string, error) { return listDir(dir) }
	prompt, err := d.gate(safety.NewAction(safety.CategoryFileList, dir), "list "+dir, run)
	if err != nil || prompt != "" {
		return prompt, err
	}
	return run(ctx)
}

func listDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", failure(fmt.Sprintf("Directory %s does not exist.", dir))
	}
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	name := filepath.Base(dir)
	if len(files) == 0 {
		return "No files found in " + name, nil
	}

	shown := files[:min(len(files), maxListed)]
	reply := fmt.Sprintf("Files in %s: %s", name, strings.Join(shown, ", "))
	if rest := len(files) - len(shown); rest > 0 {
		reply += fmt.Sprintf(" and %d more files", rest)
	}
	return reply, nil
}

func (d *Dispatcher) systemAction(ctx context.Context, in intent.Intent) (string, error) {
	cmd := in.Entity(intent.EntityCommand)
	if cmd == "" {
		return "", failure("I didn't catch which command to run.")
	}
	if d.shell == nil {
		return "", failure("I can't do that: system actions are disabled.")
	}

	run := func(ctx context.Context) (string, error) {
		out, err := d.shell.Exec(ctx, cmd)
		if err != nil {
			return "", err
		}
		return summarize(out), nil
	}
	prompt, err := d.gate(safety.ActionFromCommand(cmd), cmd, run)
	if err != nil || prompt != "" {
		return prompt, err
	}
	return run(ctx)
}

// summarize trims command output to something worth speaking.
func summarize(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return "Done."
	}
	if r := []rune(out); len(r) > 500 {
		out = string(r[:500]) + "..."
	}
	return out
}

var greetings = []string{
	"Hello! How can I help you today?",
	"Hi there! What can I do for you?",
	"Good day! I'm ready to assist you.",
}

func (d *Dispatcher) greeting(context.Context, intent.Intent) (string, error) {
	var tod string
	switch h := d.now().Hour(); {
	case h >= 5 && h < 12:
		tod = "Good morning!"
	case h >= 12 && h < 17:
		tod = "Good afternoon!"
	case h >= 17 && h < 21:
		tod = "Good evening!"
	default:
		tod = "Good night!"
	}
	return tod + " " + greetings[rand.IntN(len(greetings))], nil
}

var goodbyes = []string{
	"Goodbye! Have a great day!",
	"See you later! Take care!",
	"Farewell! It was nice talking with you.",
	"Bye! Feel free to ask me anything anytime.",
}

func (d *Dispatcher) goodbye(context.Context, intent.Intent) (string, error) {
	return goodbyes[rand.IntN(len(goodbyes))], nil
}

func (d *Dispatcher) weather(context.Context, intent.Intent) (string, error) {
	return "I don't have access to current weather data in offline mode. You can check your local weather app or website for current conditions.", nil
}

const helpText = `Here's what I can help you with.
Math calculations, like "calculate 2 plus 2".
Time and date, like "what time is it".
System information, like "show memory usage".
Listing files, like "list files in documents".
Running commands, like "run uptime", when the safety level allows it.
And general conversation and questions.
Just speak naturally and I'll do my best to help!`

func (d *Dispatcher) help(context.Context, intent.Intent) (string, error) {
	return helpText, nil
}
