package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("blockfsctl %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestFormatCreateWriteCatRoundTrip(t *testing.T) {
	image := filepath.Join(t.TempDir(), "vol.img")

	runCmd(t, "format", "--image", image, "--size", "1")
	runCmd(t, "mkdir", "--image", image, "/docs")
	runCmd(t, "write", "--image", image, "/docs/hello.txt", "--from", writeFixture(t, "hello, blockfs\n"))

	got := runCmd(t, "cat", "--image", image, "/docs/hello.txt")
	if got != "hello, blockfs\n" {
		t.Fatalf("cat returned %q, want %q", got, "hello, blockfs\n")
	}

	listing := runCmd(t, "ls", "--image", image, "/docs")
	if !strings.Contains(listing, "hello.txt") {
		t.Fatalf("ls output %q does not mention hello.txt", listing)
	}
}

func TestRmRejectsNonexistentPath(t *testing.T) {
	image := filepath.Join(t.TempDir(), "vol.img")
	runCmd(t, "format", "--image", image, "--size", "1")

	root := newRootCmd()
	root.SetArgs([]string{"rm", "--image", image, "/nope"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected rm of a missing path to fail")
	}
}

func writeFixture(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.txt")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writeFixture: %v", err)
	}
	return path
}
