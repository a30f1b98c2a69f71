package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/cmdserver/internal/session"
)

// ErrUnknownBuiltin is returned for a command name Builtin does not know.
var ErrUnknownBuiltin = errors.New("unknown command")

type builtinFunc func(ctx context.Context, req *session.Request, args []string) (int, error)

type builtinCommand struct {
	run   builtinFunc
	usage string
}

// Builtin runs a fixed set of in-process commands. Its main use is serving
// without an external program and exercising the protocol end to end.
type Builtin struct {
	commands map[string]builtinCommand
}

// NewBuiltin returns a Builtin with the standard command set.
func NewBuiltin() *Builtin {
	b := &Builtin{}
	b.commands = map[string]builtinCommand{
		"cat":      {runCat, "copy input to output"},
		"config":   {runConfig, "show settings, or one section.key [default]"},
		"echo":     {runEcho, "print arguments"},
		"exit":     {runExit, "exit with the given status"},
		"help":     {b.runHelp, "list commands"},
		"pwd":      {runPwd, "print the working directory"},
		"readline": {runReadline, "read one line of input and print it"},
		"sleep":    {runSleep, "wait for a duration such as 500ms"},
	}
	return b
}

// Names returns the command names in sorted order.
func (b *Builtin) Names() []string {
	names := make([]string, 0, len(b.commands))
	for name := range b.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run dispatches on the first non-option argument.
func (b *Builtin) Run(ctx context.Context, req *session.Request) (int, error) {
	args := session.ParseGlobalOptions(req.Args).Args
	if len(args) == 0 {
		return b.runHelp(ctx, req, nil)
	}
	cmd, ok := b.commands[args[0]]
	if !ok {
		return 0, fmt.Errorf("%w '%s'", ErrUnknownBuiltin, args[0])
	}
	return cmd.run(ctx, req, args[1:])
}

func (b *Builtin) runHelp(ctx context.Context, req *session.Request, args []string) (int, error) {
	var sb strings.Builder
	sb.WriteString("builtin commands:\n\n")
	for _, name := range b.Names() {
		fmt.Fprintf(&sb, " %-9s %s\n", name, b.commands[name].usage)
	}
	_, err := io.WriteString(req.Stdout, sb.String())
	return 0, err
}

func runEcho(ctx context.Context, req *session.Request, args []string) (int, error) {
	_, err := io.WriteString(req.Stdout, strings.Join(args, " ")+"\n")
	return 0, err
}

func runCat(ctx context.Context, req *session.Request, args []string) (int, error) {
	_, err := io.Copy(req.Stdout, req.Stdin)
	return 0, err
}

func runReadline(ctx context.Context, req *session.Request, args []string) (int, error) {
	line, err := req.Stdin.ReadLine(-1)
	if err != nil {
		return 0, err
	}
	if len(line) == 0 {
		return 1, nil
	}
	_, err = req.Stdout.Write(line)
	return 0, err
}

func runPwd(ctx context.Context, req *session.Request, args []string) (int, error) {
	_, err := io.WriteString(req.Stdout, req.Dir+"\n")
	return 0, err
}

func runExit(ctx context.Context, req *session.Request, args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("exit requires one status argument")
	}
	status, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid status %q", args[0])
	}
	return status, nil
}

func runSleep(ctx context.Context, req *session.Request, args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("sleep requires one duration argument")
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", args[0])
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// runConfig prints "section.key=value" lines, or the bare value when asked
// for a single key. A missing key prints the optional default, or exits 1
// without one.
func runConfig(ctx context.Context, req *session.Request, args []string) (int, error) {
	s := req.Settings
	if len(args) > 0 {
		section, key, ok := strings.Cut(args[0], ".")
		if !ok {
			return 0, fmt.Errorf("invalid config name %q", args[0])
		}
		var v string
		if len(args) > 1 {
			v = s.GetDefault(section, key, args[1])
		} else {
			var found bool
			if v, found = s.Get(section, key); !found {
				return 1, nil
			}
		}
		_, err := io.WriteString(req.Stdout, v+"\n")
		return 0, err
	}

	var sb strings.Builder
	for _, section := range s.Sections() {
		for _, key := range s.Keys(section) {
			v, _ := s.Get(section, key)
			fmt.Fprintf(&sb, "%s.%s=%s\n", section, key, v)
		}
	}
	_, err := io.WriteString(req.Stdout, sb.String())
	return 0, err
}
