package statestore

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestEnsureFolderIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	s := New(dir)

	if err := s.EnsureFolder(); err != nil {
		t.Fatalf("first EnsureFolder: %v", err)
	}
	if err := s.EnsureFolder(); err != nil {
		t.Fatalf("second EnsureFolder: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0o700 {
			t.Errorf("dir perm = %04o, want 0700", perm)
		}
	}
}

func TestEnsureFolderRejectsSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink semantics differ on windows")
	}
	base := t.TempDir()
	real := filepath.Join(base, "real")
	if err := os.MkdirAll(real, 0o700); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	s := New(link)
	if err := s.EnsureFolder(); err == nil {
		t.Fatal("expected an error for a symlinked state dir")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache"))
	record := &Record{
		SensitiveToken:  "abc123",
		ChallengeToken:  "def456",
		LogFileLocation: "stdout",
		Command:         "sl",
		ToolVersion:     "1.2.3",
	}

	if err := s.Write(3011, record); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(3011)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if *got != *record {
		t.Errorf("Read() = %+v, want %+v", *got, *record)
	}

	if runtime.GOOS != "windows" {
		path := filepath.Join(s.dir, "reusable_server_3011")
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("file perm = %04o, want 0600", perm)
		}
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Read(9999); err != ErrNotFound {
		t.Errorf("Read() err = %v, want ErrNotFound", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache"))
	if err := s.Write(4000, &Record{SensitiveToken: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(4000); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.Delete(4000); err != nil {
		t.Fatalf("second delete (already gone): %v", err)
	}
}

func TestReadWithRetriesMasksBindWriteRace(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache"))
	record := &Record{SensitiveToken: "race"}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Write(5000, record)
	}()

	got, err := s.ReadWithRetries(5000, 5, 15*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadWithRetries: %v", err)
	}
	if got.SensitiveToken != "race" {
		t.Errorf("got token %q", got.SensitiveToken)
	}
}

func TestTokensEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "ab", false},
		{"", "", true},
	}
	for _, c := range cases {
		if got := TokensEqual(c.a, c.b); got != c.want {
			t.Errorf("TokensEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
