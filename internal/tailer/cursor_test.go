package tailer

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readLines(t *testing.T, c *Cursor) ReadResult {
	t.Helper()
	res, err := c.ReadNew()
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	return res
}

func TestCursorReadNewIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.log")
	appendFile(t, path, "one\ntwo\n")

	c := NewCursor(path)
	if got := readLines(t, c).Lines; !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Fatalf("first read = %q", got)
	}
	if got := readLines(t, c).Lines; len(got) != 0 {
		t.Errorf("second read without growth = %q, want nothing", got)
	}

	appendFile(t, path, "three\n")
	if got := readLines(t, c).Lines; !reflect.DeepEqual(got, []string{"three"}) {
		t.Errorf("read after growth = %q, want [three]", got)
	}
}

func TestCursorHoldsBackPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.log")
	appendFile(t, path, "complete\nparti")

	c := NewCursor(path)
	if got := readLines(t, c).Lines; !reflect.DeepEqual(got, []string{"complete"}) {
		t.Fatalf("read = %q, want only the complete line", got)
	}
	if got := readLines(t, c).Lines; len(got) != 0 {
		t.Fatalf("partial line returned early: %q", got)
	}

	appendFile(t, path, "al line\r\n")
	if got := readLines(t, c).Lines; !reflect.DeepEqual(got, []string{"partial line"}) {
		t.Fatalf("read = %q, want [partial line]", got)
	}
	if got := readLines(t, c).Lines; len(got) != 0 {
		t.Errorf("line delivered twice: %q", got)
	}
}

func TestCursorResetsOnTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.log")
	appendFile(t, path, "aaaaaaaaaa\nbbbbbbbbbb\n")

	c := NewCursor(path)
	readLines(t, c)

	if err := os.WriteFile(path, []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := readLines(t, c)
	if !res.Reset {
		t.Error("expected reset after truncation")
	}
	if !reflect.DeepEqual(res.Lines, []string{"new"}) {
		t.Errorf("lines = %q, want [new]", res.Lines)
	}
}

func TestCursorResetsOnRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.log")
	appendFile(t, path, "old\n")

	c := NewCursor(path)
	readLines(t, c)

	if err := os.Rename(path, filepath.Join(dir, "train.log.1")); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, "fresh line that is longer than before\n")

	res := readLines(t, c)
	if !res.Reset {
		t.Error("expected reset after rotation")
	}
	if !reflect.DeepEqual(res.Lines, []string{"fresh line that is longer than before"}) {
		t.Errorf("lines = %q", res.Lines)
	}
}

func TestCursorMissingFile(t *testing.T) {
	c := NewCursor(filepath.Join(t.TempDir(), "nope.log"))
	res := readLines(t, c)
	if !res.Missing || len(res.Lines) != 0 {
		t.Errorf("ReadNew() = %+v, want missing", res)
	}
}

func TestCursorResumesFromOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.log")
	appendFile(t, path, "one\ntwo\n")

	c := NewCursor(path)
	c.SetOffset(4)
	if got := readLines(t, c).Lines; !reflect.DeepEqual(got, []string{"two"}) {
		t.Errorf("lines = %q, want [two]", got)
	}
}
