package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootCommandBuilds(t *testing.T) {
	rootCmd, err := newRootCommand()
	if err != nil {
		t.Fatalf("build root command: %v", err)
	}
	for _, name := range []string{"provision", "delete", "status", "output", "policy-init", "run"} {
		found := false
		for _, sub := range rootCmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestExecuteCLIRejectsUnknownCommand(t *testing.T) {
	if err := executeCLI([]string{"frobnicate"}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestPolicyInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := executeCLI([]string{"policy-init", "--path", path}); err != nil {
		t.Fatalf("policy-init: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected policy file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("policy file is empty")
	}
}
