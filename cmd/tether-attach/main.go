// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tether-attach is the interactive terminal client. With no arguments
// it creates a session running the daemon's default shell and attaches
// to it; given a session id it attaches to the existing session,
// replaying its scrollback first.
//
// The local terminal runs raw, so every keystroke including Ctrl-C
// goes to the remote session. Detach with Ctrl-] — the session keeps
// running and can be reattached later by id.
//
// Usage:
//
//	tether-attach [flags] [session-id]
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/bureau-foundation/tether/client"
	"github.com/bureau-foundation/tether/lib/version"
	"github.com/bureau-foundation/tether/wire"
)

// detachKey ends the attachment without ending the session. Ctrl-]
// follows the telnet escape convention.
const detachKey = 0x1d

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries the session's exit code out as our own, the way
// ssh does.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("session exited with code %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

func run() error {
	var (
		url         string
		command     string
		cwd         string
		profile     string
		envFlags    []string
		list        bool
		readonly    bool
		verbose     bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("tether-attach", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", "ws://127.0.0.1:7070/ws", "daemon websocket URL (or $TETHER_URL)")
	flagSet.StringVar(&command, "command", "", "command for a new session (default: the daemon's shell)")
	flagSet.StringVar(&cwd, "cwd", "", "working directory for a new session")
	flagSet.StringVar(&profile, "profile", "", "restriction profile for a new session")
	flagSet.StringArrayVar(&envFlags, "env", nil, "environment for a new session (KEY=VALUE, repeatable)")
	flagSet.BoolVar(&list, "list", false, "list sessions and exit")
	flagSet.BoolVar(&readonly, "readonly", false, "watch without forwarding input")
	flagSet.BoolVar(&verbose, "verbose", false, "log client internals to stderr")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("tether-attach %s\n", version.Info())
		return nil
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if !flagSet.Changed("url") {
		if fromEnv := os.Getenv("TETHER_URL"); fromEnv != "" {
			url = fromEnv
		}
	}

	args := flagSet.Args()
	if len(args) > 1 {
		return fmt.Errorf("unexpected argument: %s", args[1])
	}
	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	}
	if readonly && sessionID == "" {
		return fmt.Errorf("--readonly needs a session id")
	}

	env, err := parseEnv(envFlags)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	exited := make(chan wire.Exit, 1)
	down := make(chan error, 1)

	tether := client.New(client.Config{
		URL:    url,
		Logger: logger,
		OnOutput: func(output wire.Output) {
			os.Stdout.Write([]byte(output.Data))
		},
		OnExit: func(exit wire.Exit) {
			select {
			case exited <- exit:
			default:
			}
		},
		OnReconnect: func(attempt int) {
			fmt.Fprintf(os.Stderr, "\r\n[tether] reconnected (attempt %d)\r\n", attempt)
		},
		OnDown: func(err error) {
			select {
			case down <- err:
			default:
			}
		},
		OnServerError: func(failure wire.Error) {
			fmt.Fprintf(os.Stderr, "\r\n[tether] %s\r\n", failure.Message)
		},
	})

	if err := tether.Connect(context.Background()); err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer tether.Close()

	if list {
		sessions, err := tether.ListSessions()
		if err != nil {
			return err
		}
		printSessions(sessions)
		return nil
	}

	stdinFd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if width, height, err := term.GetSize(stdinFd); err == nil {
		cols, rows = width, height
	}

	switch {
	case sessionID == "":
		created, err := tether.CreateSession(wire.Create{
			Command: command,
			Cwd:     cwd,
			Env:     env,
			Cols:    cols,
			Rows:    rows,
			Profile: profile,
		})
		if err != nil {
			return err
		}
		sessionID = created.ID
		fmt.Fprintf(os.Stderr, "session %s (detach with Ctrl-])\n", sessionID)
	case readonly:
		if err := tether.AdminAttach(sessionID, wire.ModeReadOnly); err != nil {
			return err
		}
	default:
		if err := tether.Attach(sessionID); err != nil {
			return err
		}
		// Fit the session's PTY to this terminal.
		if err := tether.Resize(sessionID, cols, rows); err != nil {
			return err
		}
	}

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("set terminal raw mode: %w", err)
	}
	restore := func() { term.Restore(stdinFd, oldState) }
	defer restore()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, unix.SIGINT, unix.SIGTERM)
	go func() {
		<-signalChannel
		restore()
		tether.Close()
		os.Exit(1)
	}()

	if !readonly {
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, unix.SIGWINCH)
		go func() {
			for range winch {
				if width, height, err := term.GetSize(stdinFd); err == nil {
					tether.Resize(sessionID, width, height)
				}
			}
		}()
	}

	detached := make(chan struct{})
	go func() {
		defer close(detached)
		buffer := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buffer)
			if n > 0 {
				data := buffer[:n]
				cut := bytes.IndexByte(data, detachKey)
				if cut >= 0 {
					data = data[:cut]
				}
				if len(data) > 0 && !readonly {
					if err := tether.SendInput(sessionID, string(data)); err != nil {
						return
					}
				}
				if cut >= 0 {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case exit := <-exited:
		restore()
		if exit.ExitCode != 0 {
			return exitError{code: exit.ExitCode}
		}
		fmt.Fprintf(os.Stderr, "session %s ended\n", sessionID)
	case err := <-down:
		restore()
		return fmt.Errorf("connection lost: %w", err)
	case <-detached:
		restore()
		if readonly {
			tether.AdminDetach(sessionID)
		} else {
			tether.Detach(sessionID)
		}
		fmt.Fprintf(os.Stderr, "detached; reattach with: tether-attach %s\n", sessionID)
	}
	return nil
}

// parseEnv turns repeated KEY=VALUE flags into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --env %q (want KEY=VALUE)", pair)
		}
		env[key] = value
	}
	return env, nil
}

func printSessions(sessions []wire.SessionSummary) {
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}
	fmt.Printf("%-36s %-8s %-10s %s\n", "ID", "STATUS", "BUFFER", "COMMAND")
	for _, summary := range sessions {
		command := summary.Session.Command
		if len(summary.Session.Args) > 0 {
			command += " " + strings.Join(summary.Session.Args, " ")
		}
		if summary.Session.Locked {
			command += " (locked)"
		}
		fmt.Printf("%-36s %-8s %-10d %s\n",
			summary.Session.ID, summary.Status, summary.BufferSize, command)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Print(`tether-attach - Attach a terminal to a tether session

USAGE
    tether-attach [flags]               create a session and attach
    tether-attach [flags] <session-id>  attach to an existing session
    tether-attach --list                list sessions

The local terminal runs raw: every keystroke including Ctrl-C goes to
the session. Detach with Ctrl-] — the session keeps running and can
be reattached by id.

FLAGS
`)
	fmt.Print(flagSet.FlagUsages())
}
