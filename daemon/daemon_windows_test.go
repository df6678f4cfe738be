//go:build windows

package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStopProcess_WritesStopFile(t *testing.T) {
	pid := os.Getpid()
	path, err := stopFilePath(pid)
	if err != nil {
		t.Fatalf("stopFilePath() failed: %v", err)
	}
	_ = os.Remove(path)
	defer os.Remove(path)

	if err := StopProcess(pid); err != nil {
		t.Fatalf("StopProcess() failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stop file missing at %s: %v", path, err)
	}
}

func TestStopChannel_FiresOnStopFile(t *testing.T) {
	path, err := stopFilePath(os.Getpid())
	if err != nil {
		t.Fatalf("stopFilePath() failed: %v", err)
	}
	// A leftover file must not trigger the channel.
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("stale\n"), 0600)

	ch := StopChannel()
	select {
	case <-ch:
		t.Fatal("StopChannel fired on a stale file")
	case <-time.After(stopPollInterval + 200*time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("stop\n"), 0600); err != nil {
		t.Fatalf("failed to write stop file: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("StopChannel did not fire")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stop file not removed after detection")
	}
}
