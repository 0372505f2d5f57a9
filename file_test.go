package durus

import (
	"path/filepath"
	"testing"
)

func TestFileOpenWriteReadSeek(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.dat")
	f, err := openFile(path, false)
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	defer f.Close()

	if err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err := f.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("Len = %d, want 5", n)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := f.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("Read = %q, want hello", buf)
	}
}

func TestFileSecondExclusiveLockFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.dat")
	f1, err := openFile(path, false)
	if err != nil {
		t.Fatalf("first openFile: %v", err)
	}
	defer f1.Close()

	if _, err := openFile(path, false); err == nil {
		t.Error("a second exclusive open of the same file should fail to obtain the lock")
	}
}

func TestFileReadonlyRejectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.dat")
	f, err := openFile(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	ro, err := openFile(path, true)
	if err != nil {
		t.Fatalf("readonly openFile: %v", err)
	}
	defer ro.Close()
	if err := ro.Write([]byte("x")); err == nil {
		t.Error("write to a read-only file should fail")
	}
}

func TestFileTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.dat")
	f, err := openFile(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Write([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	n, err := f.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("Len after truncate = %d, want 4", n)
	}
}
