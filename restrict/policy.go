// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package restrict implements the restricted-shell policy: command
// validation, shell initialization that enforces the policy inside
// the session, and named policy presets.
//
// A denial is not an error. Validate returns a Verdict for the caller
// to render; the same policy and command line always produce the same
// verdict.
package restrict

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Policy constrains what a session's shell may do. The zero value
// permits everything. A Policy is attached to a session at creation
// and never mutated afterward.
type Policy struct {
	// RestrictToPath clamps filesystem navigation to this directory
	// subtree. Empty means unrestricted.
	RestrictToPath string `json:"restrictToPath,omitempty" yaml:"restrict_to_path"`

	// AllowUpwardNavigation permits ".." segments and absolute paths
	// outside RestrictToPath even when RestrictToPath is set.
	AllowUpwardNavigation bool `json:"allowUpwardNavigation,omitempty" yaml:"allow_upward_navigation"`

	// BlockedCommands lists command names that must not run.
	BlockedCommands []string `json:"blockedCommands,omitempty" yaml:"blocked_commands"`

	// ReadOnlyMode additionally blocks commands that mutate the
	// filesystem, whether or not they appear in BlockedCommands.
	ReadOnlyMode bool `json:"readOnlyMode,omitempty" yaml:"read_only_mode"`
}

// Verdict is the outcome of validating one command line.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// mutatingCommands are treated as blocked under ReadOnlyMode.
var mutatingCommands = []string{
	"rm", "rmdir", "mv", "cp", "mkdir", "touch", "chmod", "chown",
	"chgrp", "ln", "dd", "truncate", "tee", "shred",
}

// Active reports whether the policy restricts anything.
func (p Policy) Active() bool {
	return p.RestrictToPath != "" || len(p.BlockedCommands) > 0 || p.ReadOnlyMode
}

// Validate checks one command line against the policy. It is a pure
// decision function: no side effects, never an error, identical
// inputs produce identical verdicts.
func (p Policy) Validate(commandLine string) Verdict {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return Verdict{Allowed: true}
	}
	command := fields[0]

	for _, blocked := range p.BlockedCommands {
		if command == blocked {
			return Verdict{Reason: fmt.Sprintf("command %q is blocked by session policy", command)}
		}
	}

	if p.ReadOnlyMode {
		for _, mutating := range mutatingCommands {
			if command == mutating {
				return Verdict{Reason: fmt.Sprintf("command %q modifies the filesystem; session is read-only", command)}
			}
		}
	}

	if p.RestrictToPath != "" && !p.AllowUpwardNavigation {
		for _, field := range fields {
			if reason, ok := p.escapesRestrictedPath(field); ok {
				return Verdict{Reason: reason}
			}
		}
	}

	return Verdict{Allowed: true}
}

// escapesRestrictedPath reports whether a single token lexically
// navigates outside RestrictToPath: a ".." path segment, or an
// absolute path that does not fall under the restricted root. The
// check is lexical only; it never touches the filesystem.
func (p Policy) escapesRestrictedPath(token string) (string, bool) {
	for _, segment := range strings.Split(token, "/") {
		if segment == ".." {
			return fmt.Sprintf("%q navigates upward; session is restricted to %s", token, p.RestrictToPath), true
		}
	}

	if strings.HasPrefix(token, "/") {
		cleaned := filepath.Clean(token)
		root := filepath.Clean(p.RestrictToPath)
		if cleaned != root && !strings.HasPrefix(cleaned, root+"/") {
			return fmt.Sprintf("%q is outside the restricted path %s", token, p.RestrictToPath), true
		}
	}

	return "", false
}

// blockedForInit returns every command name the init script must
// override: the explicit block list, plus the mutating set under
// ReadOnlyMode. Order is deterministic and duplicates are removed.
func (p Policy) blockedForInit() []string {
	seen := make(map[string]bool)
	var commands []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		commands = append(commands, name)
	}
	for _, name := range p.BlockedCommands {
		add(name)
	}
	if p.ReadOnlyMode {
		for _, name := range mutatingCommands {
			add(name)
		}
	}
	return commands
}
