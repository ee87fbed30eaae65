package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExist(t *testing.T) {
	if Exist("") {
		t.Fatal("empty path must not exist")
	}
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if Exist(p) {
		t.Fatal("unwritten file must not exist")
	}
	if err := os.WriteFile(p, []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	if !Exist(p) {
		t.Fatal("written file expected to exist")
	}
}

func TestCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "nested", "dst.txt")

	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Copy(src, dst); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", string(data))
	}
}
