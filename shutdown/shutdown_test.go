package shutdown

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "murmur.pid")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pid, ok := Running(path)
	if !ok || pid != os.Getpid() {
		t.Fatalf("Running = %d, %v", pid, ok)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still present: %v", err)
	}
}

func TestAcquireReplacesStale(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run child: %v", err)
	}
	path := filepath.Join(t.TempDir(), "murmur.pid")
	os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0644)

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale file: %v", err)
	}
	defer l.Release()
	if pid, _ := ReadPID(path); pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireRefusesLive(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperSleep$")
	cmd.Env = append(os.Environ(), "MURMUR_TEST_SLEEP=1")
	stdin, _ := cmd.StdinPipe()
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	defer func() {
		stdin.Close()
		cmd.Wait()
	}()

	path := filepath.Join(t.TempDir(), "murmur.pid")
	os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0644)
	if _, err := Acquire(path); !errors.Is(err, ErrRunning) {
		t.Fatalf("Acquire = %v, want ErrRunning", err)
	}
}

func TestReleaseKeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "murmur.pid")
	l, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, []byte("1\n"), 0644)
	l.Release()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("foreign pid file removed: %v", err)
	}
}

// TestHelperSleep blocks until stdin closes when run as a child process.
func TestHelperSleep(t *testing.T) {
	if os.Getenv("MURMUR_TEST_SLEEP") != "1" {
		t.Skip("helper process")
	}
	buf := make([]byte, 1)
	os.Stdin.Read(buf)
}
