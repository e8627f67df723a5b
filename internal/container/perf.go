package container

import (
	"fmt"
	"os"
	"sync"

	"repair-bench/internal/logging"

	"github.com/elastic/go-perf"
	"github.com/sirupsen/logrus"
)

// counterGroup counts hardware events of one run.
type counterGroup interface {
	Read() map[string]uint64
	Close()
}

// perfCounters counts hardware events of a container cgroup on the run's
// cores for the lifetime of the run.
type perfCounters struct {
	events     []*perf.Event
	cgroupFile *os.File
	mutex      sync.Mutex
}

var runCounters = []perf.HardwareCounter{
	perf.CPUCycles,
	perf.Instructions,
	perf.CacheReferences,
	perf.CacheMisses,
	perf.BranchInstructions,
	perf.BranchMisses,
}

func cgroupPath(containerID string) string {
	return fmt.Sprintf("/sys/fs/cgroup/system.slice/docker-%s.scope", containerID)
}

func newPerfCounters(cgroup string, cpus []int) (counterGroup, error) {
	logger := logging.GetLogger()

	cgroupFile, err := os.Open(cgroup)
	if err != nil {
		logger.WithField("cgroup_path", cgroup).WithError(err).Error("Failed to open cgroup path")
		return nil, err
	}

	pc := &perfCounters{cgroupFile: cgroupFile}
	for _, cpu := range cpus {
		for _, counter := range runCounters {
			attr := &perf.Attr{}
			counter.Configure(attr)
			attr.CountFormat.Enabled = true
			attr.CountFormat.Running = true
			event, err := perf.OpenCGroup(attr, int(cgroupFile.Fd()), cpu, nil)
			if err != nil {
				pc.Close()
				logger.WithFields(logrus.Fields{
					"counter": counter,
					"cpu":     cpu,
				}).WithError(err).Error("Failed to open perf event")
				return nil, err
			}
			pc.events = append(pc.events, event)
		}
	}

	for _, event := range pc.events {
		if err := event.Enable(); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to enable perf event: %w", err)
		}
	}
	return pc, nil
}

// Read sums every counter across cores, scaled for multiplexing.
func (pc *perfCounters) Read() map[string]uint64 {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	sums := make(map[string]uint64)
	for _, event := range pc.events {
		count, err := event.ReadCount()
		if err != nil {
			continue
		}
		sums[count.Label] += scaleCount(count.Value, int64(count.Enabled), int64(count.Running))
	}
	return sums
}

// scaleCount extrapolates a counter that was only scheduled for part of the
// time it was enabled.
func scaleCount(value uint64, enabled, running int64) uint64 {
	if running <= 0 || enabled <= 0 || running == enabled {
		return value
	}
	return uint64(float64(value) * float64(enabled) / float64(running))
}

func (pc *perfCounters) Close() {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	for _, event := range pc.events {
		if event != nil {
			event.Close()
		}
	}
	pc.events = nil
	if pc.cgroupFile != nil {
		pc.cgroupFile.Close()
		pc.cgroupFile = nil
	}
}
