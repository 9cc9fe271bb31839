package agent

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// acquireLock takes the agent-scoped protocol lock: a pidfile created
// with O_EXCL. A lock held by a dead process is taken over, so a killed
// run cannot wedge the agent permanently. The returned func releases
// the lock and must be called on every exit path.
func acquireLock(path string) (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, "creating lock file")
		}
		if !lockHolderAlive(path) {
			os.Remove(path)
			continue
		}
		return nil, errors.Errorf("another protocol run holds the lock at %s", path)
	}
	return nil, errors.Errorf("could not take over stale lock at %s", path)
}

func lockHolderAlive(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}
