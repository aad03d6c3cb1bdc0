package offer

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads cpu_load, memory, and disk_space off the live host via
// gopsutil. GPSCoord and Energy are fixed at construction time — neither has
// a meaningful host-level reading, and the spec treats them as
// node-configured values rather than measurements.
type HostSampler struct {
	DiskPath string
	GPSCoord *Point
	Energy   *float64
}

// Sample implements Sampler.
func (h HostSampler) Sample() Capabilities {
	caps := Capabilities{
		GPSCoord: h.GPSCoord,
		Energy:   h.Energy,
	}

	if pct, err := cpu.PercentWithContext(context.Background(), 0, false); err == nil && len(pct) > 0 {
		caps.CPULoad = pct[0] / 100
	}

	if vm, err := mem.VirtualMemoryWithContext(context.Background()); err == nil {
		caps.Memory = float64(vm.Available)
	}

	path := h.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(context.Background(), path); err == nil {
		caps.DiskSpace = float64(du.Free)
	}

	return caps
}

// StaticSampler returns a fixed Capabilities value every time. Used in tests
// and by nodes configured with no live resource source.
type StaticSampler struct {
	Value Capabilities
}

func (s StaticSampler) Sample() Capabilities { return s.Value }
