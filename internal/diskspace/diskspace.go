// Package diskspace gates pipeline runs on available disk, so a full volume
// degrades to a skipped run instead of half-written downloads.
package diskspace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type Status struct {
	AvailableGB      float64
	TotalGB          float64
	PercentAvailable float64
	Warning          bool
	Critical         bool
}

// Check reports free space on the filesystem containing path against the two
// thresholds. Critical implies Warning.
func Check(path string, warnPercent, criticalPercent int) (*Status, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, fmt.Errorf("error checking disk space for %s: %w", path, err)
	}

	total := float64(stat.Blocks) * float64(stat.Bsize)
	avail := float64(stat.Bavail) * float64(stat.Bsize)

	status := &Status{
		AvailableGB: avail / (1 << 30),
		TotalGB:     total / (1 << 30),
	}
	if total > 0 {
		status.PercentAvailable = avail / total * 100
	}
	status.Critical = status.PercentAvailable < float64(criticalPercent)
	status.Warning = status.Critical || status.PercentAvailable < float64(warnPercent)

	return status, nil
}
