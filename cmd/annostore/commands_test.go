package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/persist"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "story.txt")
	if err := os.WriteFile(src, []byte("It rained. We stayed in."), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--root", root, "init", "4", "2", src)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.HasPrefix(out, "4/2/"+annostore.InitialStateOwner) {
		t.Errorf("init printed %q", out)
	}

	out, err = run(t, "--root", root, "owners", "4", "2")
	if err != nil || strings.TrimSpace(out) != annostore.InitialStateOwner {
		t.Errorf("owners printed %q, %v", out, err)
	}

	out, err = run(t, "--root", root, "cat", "4", "2", annostore.InitialStateOwner)
	if err != nil || !strings.Contains(out, `"text":"It rained. We stayed in."`) {
		t.Errorf("cat printed %q, %v", out, err)
	}

	out, err = run(t, "--root", root, "history", "4", "2", annostore.InitialStateOwner)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 {
		t.Fatalf("history printed %q, want one snapshot", out)
	}
	ts := strings.Split(lines[0], "\t")[0]
	if out, err = run(t, "--root", root, "cat", "--snapshot", ts, "4", "2", annostore.InitialStateOwner); err != nil || !strings.Contains(out, "It rained.") {
		t.Errorf("cat --snapshot printed %q, %v", out, err)
	}
	if _, err := run(t, "--root", root, "restore", "4", "2", annostore.InitialStateOwner, ts); err != nil {
		t.Errorf("restore failed: %v", err)
	}

	if _, err := run(t, "--root", root, "rm", "4", "2", annostore.InitialStateOwner); err != nil {
		t.Fatalf("rm failed: %v", err)
	}
	if out, _ := run(t, "--root", root, "owners", "4", "2"); out != "" {
		t.Errorf("owners after rm printed %q", out)
	}
}

func TestUpgradeCommand(t *testing.T) {
	root := t.TempDir()
	key := annostore.StorageKey{ProjectID: 1, DocumentID: 1, Owner: "ann"}
	p := filepath.Join(root, filepath.FromSlash(persist.StatePath(key)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	v1 := `{"text":"x","annotations":[{"type":"PER","begin":0,"end":1}]}`
	if err := os.WriteFile(p, []byte(v1), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--root", root, "cat", "--raw", "1", "1", "ann")
	if err != nil || strings.TrimSpace(out) != v1 {
		t.Errorf("cat --raw printed %q, %v", out, err)
	}
	out, err = run(t, "--root", root, "upgrade", "1", "1", "ann")
	if err != nil || !strings.Contains(out, "upgraded") {
		t.Errorf("upgrade printed %q, %v", out, err)
	}
	out, err = run(t, "--root", root, "upgrade", "1", "1", "ann")
	if err != nil || strings.Contains(out, "upgraded") {
		t.Errorf("second upgrade printed %q, %v", out, err)
	}
}

func TestArguments(t *testing.T) {
	if _, err := run(t, "owners", "1", "2"); err == nil {
		t.Error("owners ran without --root or --config")
	}
	if _, err := run(t, "--root", t.TempDir(), "cat", "x", "2", "ann"); err == nil {
		t.Error("cat accepted a non-numeric project id")
	}
	if _, err := run(t, "--root", t.TempDir(), "cat", "1", "2", "../ann"); err == nil {
		t.Error("cat accepted an invalid owner")
	}
}

func TestParseTimestamp(t *testing.T) {
	a, err := parseTimestamp("1700000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	b, err := parseTimestamp(a.Format("2006-01-02T15:04:05.999999999Z07:00"))
	if err != nil || !a.Equal(b) {
		t.Errorf("got %v, %v, want %v", b, err, a)
	}
	if _, err := parseTimestamp("yesterday"); err == nil {
		t.Error("parsed a word as a timestamp")
	}
}
