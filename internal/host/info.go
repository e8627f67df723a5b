package host

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"

	"repair-bench/internal/logging"

	"github.com/sirupsen/logrus"
)

// Info describes the machine an invocation ran on. It is recorded with the
// final report so results of different hosts can be told apart.
type Info struct {
	Hostname      string `json:"hostname"`
	OSInfo        string `json:"os_info"`
	KernelVersion string `json:"kernel_version"`
	CPUVendor     string `json:"cpu_vendor"`
	CPUModel      string `json:"cpu_model"`
	TotalCores    int    `json:"total_cores"`
	NumSockets    int    `json:"num_sockets"`
}

var (
	info     *Info
	infoOnce sync.Once
)

// GetInfo collects the host information on first call.
func GetInfo() *Info {
	infoOnce.Do(func() {
		info = collect()
		logging.GetLogger().WithFields(logrus.Fields{
			"hostname":    info.Hostname,
			"cpu_model":   info.CPUModel,
			"total_cores": info.TotalCores,
		}).Debug("Host information collected")
	})
	return info
}

func collect() *Info {
	hi := &Info{
		OSInfo:     runtime.GOOS + "/" + runtime.GOARCH,
		TotalCores: runtime.NumCPU(),
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hi.Hostname = hostname

	hi.KernelVersion = "unknown"
	if data, err := os.ReadFile("/proc/version"); err == nil {
		if v := parseKernelVersion(string(data)); v != "" {
			hi.KernelVersion = v
		}
	}

	hi.CPUVendor, hi.CPUModel, hi.NumSockets = "unknown", "unknown", 1
	if f, err := os.Open("/proc/cpuinfo"); err == nil {
		defer f.Close()
		parseCPUInfo(f, hi)
	}
	return hi
}

func parseKernelVersion(procVersion string) string {
	fields := strings.Fields(procVersion)
	if len(fields) >= 3 {
		return fields[2]
	}
	return ""
}

// parseCPUInfo fills vendor, model and socket count from /proc/cpuinfo.
func parseCPUInfo(r io.Reader, hi *Info) {
	var physicalIDs []string
	vendor, model := "", ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			if vendor == "" {
				vendor = value
			}
		case "model name":
			if model == "" {
				model = value
			}
		case "physical id":
			if !slices.Contains(physicalIDs, value) {
				physicalIDs = append(physicalIDs, value)
			}
		}
	}

	if vendor != "" {
		hi.CPUVendor = vendor
	}
	if model != "" {
		hi.CPUModel = model
	}
	if len(physicalIDs) > 0 {
		hi.NumSockets = len(physicalIDs)
	}
}
