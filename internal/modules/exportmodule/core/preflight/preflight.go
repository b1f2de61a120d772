// Package preflight checks host resources before an export starts.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/shirou/gopsutil/v4/disk"
)

// Checker verifies free disk space for an export's output directory.
type Checker struct {
	minFreeBytes uint64
	usage        func(path string) (uint64, error)
}

// NewChecker creates a checker that requires minFreeMB of free space.
// Zero disables the check.
func NewChecker(minFreeMB int) *Checker {
	if minFreeMB < 0 {
		minFreeMB = 0
	}
	return &Checker{
		minFreeBytes: uint64(minFreeMB) << 20,
		usage:        freeBytes,
	}
}

func freeBytes(path string) (uint64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return stat.Free, nil
}

// CheckOutput verifies that the directory of outPath exists and has
// enough free space.
func (c *Checker) CheckOutput(outPath string) error {
	dir := filepath.Dir(outPath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: output directory %s: %v", exportErrors.ErrIOFailure, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", exportErrors.ErrIOFailure, dir)
	}
	if c.minFreeBytes == 0 {
		return nil
	}

	free, err := c.usage(dir)
	if err != nil {
		return fmt.Errorf("%w: disk usage for %s: %v", exportErrors.ErrIOFailure, dir, err)
	}
	if free < c.minFreeBytes {
		return fmt.Errorf("%w: %s has %d MB free, need %d MB",
			exportErrors.ErrIOFailure, dir, free>>20, c.minFreeBytes>>20)
	}
	return nil
}
