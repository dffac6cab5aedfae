package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ProcessMap is a thread-safe map of process information
type ProcessMap struct {
	processes map[int]*Info
	mu        sync.RWMutex
}

// NewProcessMap creates a new process map
func NewProcessMap() *ProcessMap {
	return &ProcessMap{
		processes: make(map[int]*Info),
	}
}

// Add adds or updates a process in the map
func (pm *ProcessMap) Add(pid int, info *Info) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.processes[pid] = info
}

// Get retrieves process info from the map
func (pm *ProcessMap) Get(pid int) (*Info, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, exists := pm.processes[pid]
	return info, exists
}

// Remove removes a process from the map
func (pm *ProcessMap) Remove(pid int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.processes, pid)
}

// List returns all processes in the map
func (pm *ProcessMap) List() []*Info {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	processes := make([]*Info, 0, len(pm.processes))
	for _, p := range pm.processes {
		processes = append(processes, p)
	}
	return processes
}

// CheckAlive sends signal 0 to pid. EPERM still proves the process exists.
func CheckAlive(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: invalid pid %d", ErrNotFound, pid)
	}
	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return fmt.Errorf("signal pid %d: %w", pid, err)
}

// Lookup gathers information about a process from /proc
func Lookup(pid int) (*Info, error) {
	return lookupIn("/proc", pid)
}

func lookupIn(procRoot string, pid int) (*Info, error) {
	procDir := fmt.Sprintf("%s/%d", procRoot, pid)

	if _, err := os.Stat(procDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}

	info := &Info{PID: pid}

	if comm, err := os.ReadFile(procDir + "/comm"); err == nil {
		info.Comm = string(bytes.TrimSpace(comm))
	}

	if exePath, err := os.Readlink(procDir + "/exe"); err == nil {
		info.ExePath = exePath
	}

	// Android apps rename themselves through argv[0], so cmdline is usually
	// the package name while comm is truncated.
	if cmdlineBytes, err := os.ReadFile(procDir + "/cmdline"); err == nil && len(cmdlineBytes) > 0 {
		var args []string
		for _, arg := range bytes.Split(cmdlineBytes, []byte{0}) {
			if len(arg) > 0 {
				args = append(args, string(arg))
			}
		}
		info.CmdLine = strings.Join(args, " ")
	}

	return info, nil
}

// Name returns the most descriptive name available for the process.
func (i *Info) Name() string {
	if f := strings.Fields(i.CmdLine); len(f) > 0 {
		return f[0]
	}
	return i.Comm
}
