package safety

import (
	"strings"

	"github.com/google/uuid"
)

var (
	readCommands = map[string]bool{
		"cat": true, "head": true, "tail": true, "less": true, "more": true,
		"grep": true, "wc": true, "file": true, "stat": true,
	}
	listCommands = map[string]bool{
		"ls": true, "find": true, "tree": true, "du": true,
	}
	infoCommands = map[string]bool{
		"df": true, "free": true, "uptime": true, "uname": true, "whoami": true,
		"hostname": true, "ps": true, "top": true, "pwd": true, "date": true,
		"lscpu": true, "nproc": true,
	}
)

const shellMeta = "<>|;&`$(){}\n\r\\"

// ActionFromCommand builds an Action for a shell command line, guessing its
// category from the program name and collecting path-like arguments.
func ActionFromCommand(cmd string) Action {
	a := Action{
		ID:       newID(),
		Category: CategoryCommand,
		Command:  strings.TrimSpace(cmd),
	}

	fields := strings.Fields(a.Command)
	if len(fields) > 0 && fields[0] == "sudo" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return a
	}

	switch prog := fields[0]; {
	case readCommands[prog]:
		a.Category = CategoryFileRead
	case listCommands[prog]:
		a.Category = CategoryFileList
	case infoCommands[prog]:
		a.Category = CategorySystemInfo
	}

	for _, f := range fields[1:] {
		for _, part := range strings.FieldsFunc(f, isRedirect) {
			if strings.HasPrefix(part, "/") || strings.HasPrefix(part, "~") || strings.HasPrefix(part, "./") || strings.HasPrefix(part, "../") {
				a.Paths = append(a.Paths, part)
			}
		}
	}

	// Redirects, pipelines, substitutions and extra lines can run anything.
	if strings.ContainsAny(a.Command, shellMeta) {
		a.Category = CategoryCommand
	}

	return a
}

// NewAction builds an Action of category touching paths.
func NewAction(category string, paths ...string) Action {
	return Action{ID: newID(), Category: category, Paths: paths}
}

func isRedirect(r rune) bool {
	return r == '>' || r == '<' || r == '=' || r == ','
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
