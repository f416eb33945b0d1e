package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	cli "github.com/spf13/pflag"

	"voxmind/internal/ipc"
)

func main() {
	socket := cli.StringP("socket", "s", ipc.DefaultSocket, "Control socket of vox-daemon")
	timeout := cli.DurationP("timeout", "t", 10*time.Second, "How long to wait for the daemon")
	raw := cli.Bool("json", false, "Print the raw reply")
	cli.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vox-ctl [flags] <%s> [args...]\n", strings.Join(ipc.Commands, "|"))
		cli.PrintDefaults()
	}
	// Flags end at the command name so "reset --yes" reaches the daemon.
	cli.CommandLine.SetInterspersed(false)
	cli.Parse()

	args := cli.Args()
	if len(args) == 0 {
		args = []string{"trigger"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reply, err := ipc.Send(ctx, *socket, ipc.Request{Cmd: args[0], Args: args[1:]})
	if err != nil {
		fmt.Fprintln(os.Stderr, "vox-daemon not running:", err)
		os.Exit(1)
	}

	if *raw {
		out, _ := json.Marshal(reply)
		fmt.Println(string(out))
	} else {
		fmt.Println(reply.Message)
		if len(reply.Data) > 0 {
			var buf bytes.Buffer
			if json.Indent(&buf, reply.Data, "", "  ") == nil {
				fmt.Println(buf.String())
			}
		}
	}
	if !reply.OK {
		os.Exit(1)
	}
}
