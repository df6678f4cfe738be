package fileutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWriteFileAtomic_CreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "fwatch.pid")

	if err := WriteFileAtomic(path, []byte("42\n"), 0600); err != nil {
		t.Fatalf("WriteFileAtomic() failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(data) != "42\n" {
		t.Errorf("content = %q, want 42", data)
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("perm = %o, want 600", perm)
		}
	}
}

func TestWriteFileAtomic_ReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fwatch.ready")

	for _, content := range []string{"first\n", "second\n"} {
		if err := WriteFileAtomic(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFileAtomic(%q) failed: %v", content, err)
		}
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second\n" {
		t.Errorf("content = %q, want second", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the target", len(entries))
	}
}

func TestWriteFileAtomic_ParentIsFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := WriteFileAtomic(filepath.Join(blocker, "x.pid"), []byte("1"), 0644); err == nil {
		t.Fatal("WriteFileAtomic() should fail when the parent is a file")
	}
}
