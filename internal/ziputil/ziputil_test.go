package ziputil

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildAndExtractRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	jobPath := filepath.Join(srcDir, "job.jb")
	if err := os.WriteFile(jobPath, []byte("client_sid=x\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	archive, err := Build(map[string]string{"job.jb": jobPath})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	destDir := t.TempDir()
	if err := Extract(archive, destDir); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(destDir, "job.jb"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "client_sid=x\n" {
		t.Fatalf("extracted content mismatch: %q", data)
	}
}

func TestExtractRejectsNonZip(t *testing.T) {
	destDir := t.TempDir()
	if err := Extract([]byte("not a zip"), destDir); err == nil {
		t.Fatal("expected error extracting non-zip payload")
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	// A handcrafted entry named "../evil.txt" is valid zip but must be
	// rejected by Extract's traversal guard before anything outside destDir
	// is touched.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil.txt")
	if err != nil {
		t.Fatalf("zip.Create: %v", err)
	}
	if _, err := w.Write([]byte("escaped")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}

	destDir := t.TempDir()
	if err := Extract(buf.Bytes(), destDir); err == nil {
		t.Fatal("expected Extract to reject a traversal entry")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(destDir), "evil.txt")); err == nil {
		t.Fatal("traversal entry must not have been written outside destDir")
	}
}

func TestFindByExt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "job.jb"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := FindByExt(dir, ".jb")
	if err != nil {
		t.Fatalf("FindByExt: %v", err)
	}
	if filepath.Base(got) != "job.jb" {
		t.Fatalf("expected job.jb, got %s", got)
	}
}

func TestFindByExtErrorsOnAmbiguity(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.jb"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.jb"), []byte("x"), 0o644)

	if _, err := FindByExt(dir, ".jb"); err == nil {
		t.Fatal("expected error for multiple matches")
	}
}

func TestBuildFromDirPreservesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "f.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	archive, err := BuildFromDir(dir)
	if err != nil {
		t.Fatalf("BuildFromDir: %v", err)
	}

	destDir := t.TempDir()
	if err := Extract(archive, destDir); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "sub", "f.txt")); err != nil {
		t.Fatalf("expected sub/f.txt to exist: %v", err)
	}
}
