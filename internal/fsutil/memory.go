package fsutil

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrMemoryUnknown is returned where available memory cannot be read.
var ErrMemoryUnknown = errors.New("available memory unknown")

// AvailableMemory returns the bytes the kernel reports as available to new
// allocations without swapping.
func AvailableMemory() (uint64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMemoryUnknown, err)
	}
	return parseMemAvailable(string(content))
}

func parseMemAvailable(content string) (uint64, error) {
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMemoryUnknown, err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("%w: no MemAvailable line", ErrMemoryUnknown)
}
