package process

import (
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// StartTime returns when pid was created, as reported by the OS.
func StartTime(pid int) (time.Time, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}, err
	}
	ms, err := p.CreateTime()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
