// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package restrict

import (
	"fmt"
	"os"
	"strings"
)

// DefaultShell is spawned when neither the session nor the daemon
// configuration names a command.
const DefaultShell = "/bin/bash"

// Invocation is the resolved process to spawn for a session: the
// command, its arguments, and environment overrides to merge over the
// daemon's environment.
type Invocation struct {
	Command string
	Args    []string
	Env     map[string]string

	// InitFile is the generated rc file backing a restricted default
	// shell, empty otherwise. The session owner removes it when the
	// session ends.
	InitFile string
}

// ShellConfig configures a Shell.
type ShellConfig struct {
	// Policy is the restriction policy to enforce.
	Policy Policy

	// Command and Args, when set, replace the default shell. Custom
	// commands bypass rc-file generation; the policy still applies to
	// command validation.
	Command string
	Args    []string

	// DefaultShell overrides the built-in default (/bin/bash).
	DefaultShell string
}

// Shell generates the startup machinery that enforces a Policy
// inside a session: the init script, and the shell invocation that
// loads it.
type Shell struct {
	policy       Policy
	command      string
	args         []string
	defaultShell string
}

// NewShell creates a Shell for the given configuration.
func NewShell(config ShellConfig) *Shell {
	shell := &Shell{
		policy:       config.Policy,
		command:      config.Command,
		args:         config.Args,
		defaultShell: config.DefaultShell,
	}
	if shell.defaultShell == "" {
		shell.defaultShell = DefaultShell
	}
	return shell
}

// Policy returns the policy the shell enforces.
func (s *Shell) Policy() Policy { return s.policy }

// Validate checks one command line against the shell's policy.
func (s *Shell) Validate(commandLine string) Verdict {
	return s.policy.Validate(commandLine)
}

// InitScript generates shell startup source enforcing the policy:
// one function per blocked command that prints the denial and returns
// non-zero, cd/pwd clamped to the restricted subtree, and history
// disabled whenever any restriction is active so sandboxed sessions
// leave no cross-session trace.
func (s *Shell) InitScript() string {
	var script strings.Builder
	script.WriteString("# tether restricted session\n")

	if s.policy.Active() {
		script.WriteString("unset HISTFILE\n")
		script.WriteString("HISTSIZE=0\n")
	}

	for _, command := range s.policy.blockedForInit() {
		verdict := s.policy.Validate(command)
		reason := verdict.Reason
		if reason == "" {
			reason = fmt.Sprintf("command %q is blocked by session policy", command)
		}
		fmt.Fprintf(&script, "%s() {\n", command)
		fmt.Fprintf(&script, "  echo %s >&2\n", shellQuote(reason))
		script.WriteString("  return 127\n")
		script.WriteString("}\n")
	}

	if s.policy.RestrictToPath != "" {
		root := shellQuote(s.policy.RestrictToPath)
		fmt.Fprintf(&script, "TETHER_RESTRICT_ROOT=%s\n", root)
		script.WriteString("cd() {\n")
		script.WriteString("  local destination=\"${1:-$TETHER_RESTRICT_ROOT}\"\n")
		script.WriteString("  local resolved\n")
		script.WriteString("  resolved=$(builtin cd \"$destination\" 2>/dev/null && builtin pwd -P) || {\n")
		script.WriteString("    echo \"cd: $destination: no such directory\" >&2\n")
		script.WriteString("    return 1\n")
		script.WriteString("  }\n")
		script.WriteString("  case \"$resolved\" in\n")
		script.WriteString("    \"$TETHER_RESTRICT_ROOT\"|\"$TETHER_RESTRICT_ROOT\"/*)\n")
		script.WriteString("      builtin cd \"$destination\"\n")
		script.WriteString("      ;;\n")
		script.WriteString("    *)\n")
		script.WriteString("      echo \"cd: restricted to $TETHER_RESTRICT_ROOT\" >&2\n")
		script.WriteString("      return 1\n")
		script.WriteString("      ;;\n")
		script.WriteString("  esac\n")
		script.WriteString("}\n")
		script.WriteString("pwd() {\n")
		script.WriteString("  builtin pwd -P\n")
		script.WriteString("}\n")
		fmt.Fprintf(&script, "builtin cd %s\n", root)
	}

	return script.String()
}

// ShellCommand resolves the process to spawn. A custom command passes
// through untouched. The default shell under an active policy loads a
// generated rc file and gets a PS1 that visibly flags the session as
// restricted.
func (s *Shell) ShellCommand() (Invocation, error) {
	if s.command != "" {
		return Invocation{Command: s.command, Args: s.args}, nil
	}

	if !s.policy.Active() {
		return Invocation{Command: s.defaultShell}, nil
	}

	initFile, err := s.writeInitFile()
	if err != nil {
		return Invocation{}, err
	}

	return Invocation{
		Command: s.defaultShell,
		Args:    []string{"--rcfile", initFile},
		Env: map[string]string{
			"PS1": `(restricted) \u@\h:\w\$ `,
		},
		InitFile: initFile,
	}, nil
}

// writeInitFile persists InitScript to a temp file the shell can load
// with --rcfile.
func (s *Shell) writeInitFile() (string, error) {
	file, err := os.CreateTemp("", "tether-rc-*.sh")
	if err != nil {
		return "", fmt.Errorf("creating init file: %w", err)
	}
	if _, err := file.WriteString(s.InitScript()); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("writing init file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("closing init file: %w", err)
	}
	return file.Name(), nil
}

// shellQuote wraps a string in single quotes for safe use in shell
// source. Always quotes, suitable for reasons and paths that may
// contain spaces or metacharacters.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
