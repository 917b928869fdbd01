// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package restrict

import (
	"os"
	"strings"
	"testing"
)

func TestInitScriptBlockedFunctions(t *testing.T) {
	t.Parallel()
	shell := NewShell(ShellConfig{Policy: Policy{BlockedCommands: []string{"rm", "sudo"}}})
	script := shell.InitScript()

	for _, command := range []string{"rm", "sudo"} {
		if !strings.Contains(script, command+"() {") {
			t.Errorf("init script missing override function for %q:\n%s", command, script)
		}
	}
	if !strings.Contains(script, "return 127") {
		t.Error("init script overrides do not return non-zero")
	}
}

func TestInitScriptDisablesHistory(t *testing.T) {
	t.Parallel()
	shell := NewShell(ShellConfig{Policy: Policy{BlockedCommands: []string{"rm"}}})
	script := shell.InitScript()

	if !strings.Contains(script, "unset HISTFILE") {
		t.Error("init script does not unset HISTFILE")
	}
	if !strings.Contains(script, "HISTSIZE=0") {
		t.Error("init script does not zero HISTSIZE")
	}

	unrestricted := NewShell(ShellConfig{})
	if strings.Contains(unrestricted.InitScript(), "HISTFILE") {
		t.Error("unrestricted init script disables history")
	}
}

func TestInitScriptClampsNavigation(t *testing.T) {
	t.Parallel()
	shell := NewShell(ShellConfig{Policy: Policy{RestrictToPath: "/srv/project"}})
	script := shell.InitScript()

	if !strings.Contains(script, "TETHER_RESTRICT_ROOT='/srv/project'") {
		t.Errorf("init script does not pin the restricted root:\n%s", script)
	}
	if !strings.Contains(script, "cd() {") {
		t.Error("init script does not wrap cd")
	}
	if !strings.Contains(script, "pwd() {") {
		t.Error("init script does not wrap pwd")
	}
}

func TestInitScriptReadOnlyCoversMutators(t *testing.T) {
	t.Parallel()
	shell := NewShell(ShellConfig{Policy: Policy{ReadOnlyMode: true}})
	script := shell.InitScript()
	for _, command := range []string{"rm", "mv", "mkdir", "chmod"} {
		if !strings.Contains(script, command+"() {") {
			t.Errorf("read-only init script missing override for %q", command)
		}
	}
}

func TestShellCommandCustomPassthrough(t *testing.T) {
	t.Parallel()
	shell := NewShell(ShellConfig{
		Policy:  Policy{ReadOnlyMode: true},
		Command: "/usr/bin/htop",
		Args:    []string{"--tree"},
	})
	invocation, err := shell.ShellCommand()
	if err != nil {
		t.Fatalf("ShellCommand: %v", err)
	}
	if invocation.Command != "/usr/bin/htop" {
		t.Errorf("Command = %q, want custom command", invocation.Command)
	}
	if len(invocation.Args) != 1 || invocation.Args[0] != "--tree" {
		t.Errorf("Args = %v, want [--tree]", invocation.Args)
	}
	if invocation.InitFile != "" {
		t.Errorf("custom command produced init file %q", invocation.InitFile)
	}
}

func TestShellCommandUnrestrictedDefault(t *testing.T) {
	t.Parallel()
	shell := NewShell(ShellConfig{})
	invocation, err := shell.ShellCommand()
	if err != nil {
		t.Fatalf("ShellCommand: %v", err)
	}
	if invocation.Command != DefaultShell {
		t.Errorf("Command = %q, want %q", invocation.Command, DefaultShell)
	}
	if len(invocation.Args) != 0 || invocation.InitFile != "" {
		t.Errorf("unrestricted shell got args %v, init file %q", invocation.Args, invocation.InitFile)
	}
}

func TestShellCommandRestrictedWritesInitFile(t *testing.T) {
	t.Parallel()
	shell := NewShell(ShellConfig{Policy: Policy{BlockedCommands: []string{"rm"}}})
	invocation, err := shell.ShellCommand()
	if err != nil {
		t.Fatalf("ShellCommand: %v", err)
	}
	if invocation.InitFile == "" {
		t.Fatal("restricted default shell produced no init file")
	}
	defer os.Remove(invocation.InitFile)

	if len(invocation.Args) != 2 || invocation.Args[0] != "--rcfile" || invocation.Args[1] != invocation.InitFile {
		t.Errorf("Args = %v, want [--rcfile %s]", invocation.Args, invocation.InitFile)
	}

	contents, err := os.ReadFile(invocation.InitFile)
	if err != nil {
		t.Fatalf("reading init file: %v", err)
	}
	if !strings.Contains(string(contents), "rm() {") {
		t.Errorf("init file missing rm override:\n%s", contents)
	}

	if ps1 := invocation.Env["PS1"]; !strings.Contains(ps1, "restricted") {
		t.Errorf("PS1 = %q does not flag the session as restricted", ps1)
	}
}

func TestParseProfiles(t *testing.T) {
	t.Parallel()
	source := `{
  // project contributors
  "workspace": {
    "restrictToPath": "/srv/project",
    "blockedCommands": ["sudo", "ssh"],
  },
  /* viewers */
  "readonly": {"readOnlyMode": true},
}`
	profiles, err := ParseProfiles([]byte(source))
	if err != nil {
		t.Fatalf("ParseProfiles: %v", err)
	}
	workspace, ok := profiles["workspace"]
	if !ok {
		t.Fatal("workspace profile missing")
	}
	if workspace.RestrictToPath != "/srv/project" || len(workspace.BlockedCommands) != 2 {
		t.Errorf("workspace profile = %+v", workspace)
	}
	if !profiles["readonly"].ReadOnlyMode {
		t.Errorf("readonly profile = %+v, want ReadOnlyMode", profiles["readonly"])
	}
}

func TestLoadProfilesMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := LoadProfiles("/nonexistent/profiles.jsonc"); err == nil {
		t.Fatal("LoadProfiles on a missing file succeeded")
	}
}
