//go:build linux

// Process-tree enumeration reads /proc directly rather than reaching
// for a library: none of the example repos' dependency sets include a
// process-enumeration client (the corpus's own process trees are
// cgroup-scoped, not walked by PPid), so this is the documented
// standard-library exception recorded in DESIGN.md. Grounded on
// modelrunner/utils.py's kill_process_tree (there: psutil.Process,
// here: /proc/<pid>/stat).
package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/modelrunner/modelrunner/pkg/logger"
)

// KillProcessTree sends SIGKILL to every descendant of pid, leaf-first,
// then to pid itself. A failure to kill one descendant is logged and
// does not abort the sweep.
func KillProcessTree(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to kill process tree for pid %d", pid)
	}
	tree, err := buildParentMap()
	if err != nil {
		return fmt.Errorf("enumerate process tree: %w", err)
	}
	killRecursive(pid, tree)
	return nil
}

func killRecursive(pid int, tree map[int][]int) {
	for _, child := range tree[pid] {
		killRecursive(child, tree)
	}
	logger.Info("killing pid", "pid", pid)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		logger.Warn("exception occurred while killing pid", "pid", pid, "error", err)
	}
}

// buildParentMap scans /proc once and returns ppid -> []child pid.
func buildParentMap() (map[int][]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	tree := make(map[int][]int)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ppid, err := readPPid(pid)
		if err != nil {
			continue
		}
		tree[ppid] = append(tree[ppid], pid)
	}
	return tree, nil
}

// readPPid parses field 4 of /proc/<pid>/stat. The comm field (field 2)
// is parenthesized and may itself contain spaces or parens, so fields
// are counted from the last ')' rather than by naive whitespace split.
func readPPid(pid int) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	line := string(data)
	close := strings.LastIndex(line, ")")
	if close < 0 || close+2 >= len(line) {
		return 0, fmt.Errorf("malformed stat line for pid %d", pid)
	}

	fields := strings.Fields(line[close+2:])
	// fields[0] = state, fields[1] = ppid
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed stat line for pid %d", pid)
	}
	return strconv.Atoi(fields[1])
}
