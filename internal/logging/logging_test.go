package logging

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestInitWritesFileAndReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "mariner.log")
	Init(path, "debug")
	t.Cleanup(func() { Close() })

	if log.GetLevel() != log.DebugLevel {
		t.Errorf("level = %s", log.GetLevel())
	}
	for i := 0; i < 5; i++ {
		log.Infof("line-%d", i)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), tail)
	}
	if !strings.Contains(lines[0], "line-3") || !strings.Contains(lines[1], "line-4") {
		t.Errorf("wrong tail: %q", lines)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	Init(filepath.Join(t.TempDir(), "never.log"), "info")
	Close()

	// Init created the file; point at one that does not exist.
	mu.Lock()
	logPath = filepath.Join(t.TempDir(), "absent.log")
	mu.Unlock()

	tail, err := ReadTail(10)
	if err != nil || tail != "" {
		t.Fatalf("expected empty tail, got %q, %v", tail, err)
	}
}

func TestInitUnknownLevelFallsBack(t *testing.T) {
	Init("", "chatty")
	if log.GetLevel() != log.InfoLevel {
		t.Errorf("level = %s", log.GetLevel())
	}
	if tail, err := ReadTail(5); tail != "" || err != nil {
		t.Errorf("no file configured, got %q, %v", tail, err)
	}
}

func TestReadTailFewerLinesThanRequested(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.log")
	Init(path, "info")
	t.Cleanup(func() { Close() })
	for i := 0; i < 3; i++ {
		log.Info(fmt.Sprintf("entry %d", i))
	}
	tail, err := ReadTail(100)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	// The "Logging to file" line plus three entries.
	if n := len(strings.Split(tail, "\n")); n != 4 {
		t.Errorf("expected 4 lines, got %d: %q", n, tail)
	}
}
