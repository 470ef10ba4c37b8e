package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFileName = "lintd.pid"

// ErrAlreadyRunning is returned by Acquire when a live process owns the file
var ErrAlreadyRunning = errors.New("lintd daemon already running")

// PIDFile is the daemon's pid file inside the data directory
type PIDFile struct {
	Path string
}

// PIDFilePath returns the pid file location inside dataDir
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

// NewPIDFile returns the pid file of the daemon rooted at dataDir
func NewPIDFile(dataDir string) PIDFile {
	return PIDFile{Path: PIDFilePath(dataDir)}
}

// Read returns the pid stored in the file
func (f PIDFile) Read() (int, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", f.Path)
	}
	return pid, nil
}

// Running reports whether the recorded process is alive, along with its pid
func (f PIDFile) Running() (bool, int) {
	pid, err := f.Read()
	if err != nil {
		return false, 0
	}
	return processAlive(pid), pid
}

// Acquire records the current process. A file left by a dead process, or by
// this one, is replaced; a live owner yields ErrAlreadyRunning.
func (f PIDFile) Acquire() error {
	if running, pid := f.Running(); running && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	// write then rename so readers never see a partial pid
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Release removes the file if it still names the current process
func (f PIDFile) Release() error {
	pid, err := f.Read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// processAlive checks pid with signal 0
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	// EPERM means the process exists under another user
	return err == nil || errors.Is(err, syscall.EPERM)
}
