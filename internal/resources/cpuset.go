package resources

import (
	"repair-bench/internal/config"
	"repair-bench/internal/profile"
)

// CPUList returns the zero-based cores a run of the container profile is
// pinned to: the profile's cpu-count when declared, otherwise defaultCPUs.
// Pinning is affinity only; runs of different tasks may share cores.
func CPUList(cp *profile.ContainerProfile, defaultCPUs int) []int {
	n := defaultCPUs
	if cp != nil && cp.CPUCount != nil {
		n = *cp.CPUCount
	}
	if n < 0 {
		n = 0
	}
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// CPUSet is CPUList in cpuset notation, e.g. "0,1,2,3".
func CPUSet(cp *profile.ContainerProfile, defaultCPUs int) string {
	return config.FormatCPUList(CPUList(cp, defaultCPUs))
}
