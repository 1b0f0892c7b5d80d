package cli

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// resetFlags restores every flag to its default. cobra keeps flag values
// between Execute calls on the same command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// executeStdout is executeCommand with stderr (logs, progress) discarded.
func executeStdout(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"submit", "advance", "run", "status", "list", "cancel", "retry",
		"fail", "artifacts", "worker", "serve", "ingest", "query", "queue",
		"analytics", "config", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	groups := map[string][]string{
		"queue":     {"add", "list", "remove", "clear"},
		"analytics": {"stage-duration", "failure-rate", "tier-usage", "throughput", "job"},
		"config":    {"validate", "show", "templates"},
		"db":        {"migrate", "reset"},
	}
	for parent, subs := range groups {
		for _, sub := range subs {
			out, err := executeCommand(parent, sub, "--help")
			if err != nil {
				t.Errorf("%s %s --help failed: %v", parent, sub, err)
			}
			if out == "" {
				t.Errorf("%s %s --help produced no output", parent, sub)
			}
		}
	}
}

func TestOperatorCommandsTakeReason(t *testing.T) {
	for _, name := range []string{"cancel", "retry", "fail"} {
		out, err := executeCommand(name, "--help")
		if err != nil {
			t.Fatalf("%s --help: %v", name, err)
		}
		if !strings.Contains(out, "--reason") {
			t.Errorf("%s --help does not mention --reason:\n%s", name, out)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}
