package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/spf13/cobra"
)

// REPL per se.
type REPL struct {
	app *app
	rl  *readline.Instance
	out io.Writer
}

var ErrUsage = errors.New("usage: put <key> <value> | get <key> [offset [len]] | delete <key> | erase | check | dump | " +
	"settings get|add|append|delete|wipe <component> [<key> [index|value]] | exit")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("delete"),
	readline.PcItem("erase"),

	readline.PcItem("check"),
	readline.PcItem("dump"),
	readline.PcItem("settings",
		readline.PcItem("get"),
		readline.PcItem("add"),
		readline.PcItem("append"),
		readline.PcItem("delete"),
		readline.PcItem("wipe"),
	),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".tagstore_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// Execute runs one command line; io.EOF ends the session.
func (repl *REPL) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	a := repl.app
	switch cmd {
	case "put":
		if len(args) < 2 {
			return ErrUsage
		}
		return a.put(args[0], strings.Join(args[1:], " "), false)
	case "get":
		if len(args) < 1 || len(args) > 3 {
			return ErrUsage
		}
		offset, n := 0, -1
		var err error
		if len(args) > 1 {
			if offset, err = strconv.Atoi(args[1]); err != nil {
				return ErrUsage
			}
		}
		if len(args) > 2 {
			if n, err = strconv.Atoi(args[2]); err != nil {
				return ErrUsage
			}
		}
		return a.get(repl.out, args[0], offset, n)
	case "delete", "rm":
		if len(args) != 1 {
			return ErrUsage
		}
		return a.kv.Delete(args[0])
	case "erase":
		return a.kv.ErasePartition()
	case "check":
		return a.check(repl.out)
	case "dump", "ls":
		return a.dump(repl.out)
	case "settings":
		return repl.settings(args)
	case "help":
		return ErrUsage
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return nil
}

func (repl *REPL) settings(args []string) error {
	if len(args) < 2 {
		return ErrUsage
	}
	verb, rest := args[0], args[1:]
	a := repl.app
	switch verb {
	case "get":
		if len(rest) < 2 || len(rest) > 3 {
			return ErrUsage
		}
		return a.settingsGet(repl.out, rest[0], rest[1], optional(rest, 2))
	case "add", "append":
		if len(rest) < 3 {
			return ErrUsage
		}
		return a.settingsAdd(rest[0], rest[1], strings.Join(rest[2:], " "), verb == "append", false)
	case "delete", "rm":
		if len(rest) < 2 || len(rest) > 3 {
			return ErrUsage
		}
		return a.settingsDelete(rest[0], rest[1], optional(rest, 2))
	case "wipe":
		if len(rest) != 1 {
			return ErrUsage
		}
		return a.settingsWipe(rest[0])
	}
	return ErrUsage
}

func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt {
		if len(line) != 0 {
			return nil
		}
		return io.EOF
	}
	if err != nil {
		return err
	}
	return repl.Execute(strings.TrimSpace(line))
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive shell over the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repl := REPL{app: &current, out: os.Stdout}
		if err := repl.Open(); err != nil {
			return err
		}
		defer repl.Close()
		for {
			err := repl.REPL()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
			}
		}
	},
}
