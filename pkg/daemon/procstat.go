package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GroupUsage summarizes the processes in the worker's process group. The worker
// launches helpers (game client, OCR) that stay in its group.
type GroupUsage struct {
	Processes int
	RSSBytes  uint64
}

// groupUsage scans procRoot (normally /proc) for processes whose process group
// is pgid. Processes that vanish mid-scan are skipped.
func groupUsage(procRoot string, pgid int) (GroupUsage, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return GroupUsage{}, fmt.Errorf("read %s: %w", procRoot, err)
	}

	page := uint64(os.Getpagesize())
	var u GroupUsage
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		dir := filepath.Join(procRoot, e.Name())

		stat, err := os.ReadFile(filepath.Join(dir, "stat"))
		if err != nil {
			continue
		}
		pgrp, ok := statPgrp(string(stat))
		if !ok || pgrp != pgid {
			continue
		}
		u.Processes++

		statm, err := os.ReadFile(filepath.Join(dir, "statm"))
		if err != nil {
			continue
		}
		if fields := strings.Fields(string(statm)); len(fields) > 1 {
			if pages, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				u.RSSBytes += pages * page
			}
		}
	}
	return u, nil
}

// statPgrp extracts the process group from a /proc/<pid>/stat line:
// "pid (comm) state ppid pgrp ...". comm may contain spaces and parentheses.
func statPgrp(stat string) (int, bool) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) < 3 {
		return 0, false
	}
	pgrp, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, false
	}
	return pgrp, true
}
