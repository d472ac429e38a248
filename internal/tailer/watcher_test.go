package tailer

import (
	"path/filepath"
	"testing"
	"time"
)

func TestIsStateFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"/runs/a/state.json", true},
		{"/runs/a/state.json.tmp", true},
		{"/runs/a/train.log", false},
		{"/runs/a/state.json.log", false},
	}
	for _, tt := range tests {
		if got := isStateFile(tt.name); got != tt.want {
			t.Errorf("isStateFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWatcherIgnoresStateWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher([]string{dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	store := NewOffsetStore(dir)
	for i := 0; i < 3; i++ {
		if err := store.Save(&OffsetState{RunTag: "run", Offsets: map[string]int64{"train.log": int64(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-w.Wake():
		t.Fatal("state file writes woke the loop")
	case <-time.After(200 * time.Millisecond):
	}

	appendFile(t, filepath.Join(dir, "train.log"), "Up. 1 : Cost 1.0\n")
	select {
	case <-w.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("log write did not wake the loop")
	}
}
