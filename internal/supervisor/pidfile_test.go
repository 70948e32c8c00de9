package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileBlocksSecondAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.pid")

	p, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	// Our own PID is alive, so a second acquire must fail.
	if _, err := AcquirePIDFile(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second acquire err = %v, want ErrAlreadyRunning", err)
	}
}

func TestPIDFileReplacesStaleEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.pid")
	// A PID that can't be a live process.
	if err := os.WriteFile(path, []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("stale PID file blocked acquire: %v", err)
	}
	p.Release()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("Release left the PID file behind")
	}
}

func TestPIDFileGarbageContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.pid")
	os.WriteFile(path, []byte("not a pid"), 0o644)

	p, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("garbage PID file blocked acquire: %v", err)
	}
	p.Release()
}
