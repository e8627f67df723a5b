package host

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCPUInfo(t *testing.T) {
	cpuinfo := `processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) Gold 6130 CPU @ 2.10GHz
physical id	: 0

processor	: 1
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) Gold 6130 CPU @ 2.10GHz
physical id	: 1

processor	: 2
physical id	: 1
`
	hi := &Info{CPUVendor: "unknown", CPUModel: "unknown", NumSockets: 1}
	parseCPUInfo(strings.NewReader(cpuinfo), hi)
	assert.Equal(t, "GenuineIntel", hi.CPUVendor)
	assert.Equal(t, "Intel(R) Xeon(R) Gold 6130 CPU @ 2.10GHz", hi.CPUModel)
	assert.Equal(t, 2, hi.NumSockets)
}

func TestParseCPUInfo_KeepsDefaults(t *testing.T) {
	hi := &Info{CPUVendor: "unknown", CPUModel: "unknown", NumSockets: 1}
	parseCPUInfo(strings.NewReader("processor : 0\n"), hi)
	assert.Equal(t, "unknown", hi.CPUVendor)
	assert.Equal(t, 1, hi.NumSockets)
}

func TestParseKernelVersion(t *testing.T) {
	assert.Equal(t, "6.8.0-45-generic", parseKernelVersion("Linux version 6.8.0-45-generic (buildd@lcy02) #45"))
	assert.Empty(t, parseKernelVersion("Linux"))
}

func TestGetInfo(t *testing.T) {
	hi := GetInfo()
	assert.NotEmpty(t, hi.Hostname)
	assert.Positive(t, hi.TotalCores)
	assert.Same(t, hi, GetInfo())
}
