package imagebuilder

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTag(t *testing.T) {
	b := &Builder{cfg: Config{Registry: "registry.example", Project: "bio"}}
	got := b.Tag("abc123")
	want := "registry.example/bio/abc123"
	if got != want {
		t.Errorf("Tag = %s, want %s", got, want)
	}
}

func TestEncodeAuth(t *testing.T) {
	cfg := Config{Registry: "registry.example", Username: "u", Password: "p"}
	encoded, err := encodeAuth(cfg)
	if err != nil {
		t.Fatalf("encodeAuth: %v", err)
	}
	if encoded == "" {
		t.Fatal("encodeAuth returned empty string")
	}
}

func TestDrainBuildLogSuccess(t *testing.T) {
	stream := strings.NewReader(`{"stream":"step 1/2\n"}` + "\n" + `{"stream":"step 2/2\n"}` + "\n")
	if err := drainBuildLog(stream); err != nil {
		t.Errorf("drainBuildLog: %v", err)
	}
}

func TestDrainBuildLogError(t *testing.T) {
	stream := strings.NewReader(`{"errorDetail":{"message":"no such file"},"error":"no such file"}` + "\n")
	err := drainBuildLog(stream)
	if err == nil {
		t.Fatal("drainBuildLog: want error, got nil")
	}
	if !strings.Contains(err.Error(), "no such file") {
		t.Errorf("drainBuildLog error = %v, want to mention %q", err, "no such file")
	}
}

func TestArchiveBuildContextIncludesFilesAndSkipsGitDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("writing Dockerfile: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("writing sub/main.go: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatalf("writing .git/HEAD: %v", err)
	}

	r, err := archiveBuildContext(dir)
	if err != nil {
		t.Fatalf("archiveBuildContext: %v", err)
	}

	seen := map[string]bool{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar: %v", err)
		}
		seen[hdr.Name] = true
	}

	if !seen["Dockerfile"] {
		t.Error("archive missing Dockerfile")
	}
	if !seen[filepath.ToSlash(filepath.Join("sub", "main.go"))] {
		t.Error("archive missing sub/main.go")
	}
	for name := range seen {
		if strings.Contains(name, ".git") {
			t.Errorf("archive should not contain .git entries, found %s", name)
		}
	}
}
