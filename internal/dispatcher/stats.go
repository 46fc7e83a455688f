package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
)

type CPUUsage struct {
	Percent     float64 `json:"percent"`
	TotalUsage  uint64  `json:"totalUsage"`
	SystemUsage uint64  `json:"systemUsage"`
	OnlineCPUs  uint32  `json:"onlineCpus"`
}

type MemoryUsage struct {
	Usage     uint64  `json:"usage"`
	Limit     uint64  `json:"limit"`
	Percent   float64 `json:"percent"`
	UsageText string  `json:"usageText"`
	LimitText string  `json:"limitText"`
}

type NetworkIO struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
}

type BlockIO struct {
	Read  uint64 `json:"read"`
	Write uint64 `json:"write"`
}

// ContainerStats is one normalized resource sample.
type ContainerStats struct {
	ContainerID string               `json:"containerId"`
	Read        string               `json:"read,omitempty"`
	CPU         CPUUsage             `json:"cpu"`
	Memory      MemoryUsage          `json:"memory"`
	Network     map[string]NetworkIO `json:"network"`
	BlockIO     BlockIO              `json:"blockIO"`
	PIDs        uint64               `json:"pids"`
}

// CPUPercent is the container's share of host CPU time between two
// samples, scaled by the number of online CPUs. It is zero when either
// delta is not positive.
func CPUPercent(cpuDelta, systemDelta float64, onlineCPUs uint32) float64 {
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}
	return cpuDelta / systemDelta * float64(onlineCPUs) * 100
}

// MemoryPercent is zero when the limit is unknown.
func MemoryPercent(usage, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(usage) / float64(limit) * 100
}

// NormalizeStats converts a raw engine sample.
func NormalizeStats(id string, s *container.StatsResponse) *ContainerStats {
	online := s.CPUStats.OnlineCPUs
	if online == 0 {
		online = uint32(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)

	out := &ContainerStats{
		ContainerID: id,
		CPU: CPUUsage{
			Percent:     round2(CPUPercent(cpuDelta, sysDelta, online)),
			TotalUsage:  s.CPUStats.CPUUsage.TotalUsage,
			SystemUsage: s.CPUStats.SystemUsage,
			OnlineCPUs:  online,
		},
		Memory: MemoryUsage{
			Usage:     s.MemoryStats.Usage,
			Limit:     s.MemoryStats.Limit,
			Percent:   round2(MemoryPercent(s.MemoryStats.Usage, s.MemoryStats.Limit)),
			UsageText: units.BytesSize(float64(s.MemoryStats.Usage)),
			LimitText: units.BytesSize(float64(s.MemoryStats.Limit)),
		},
		Network: make(map[string]NetworkIO, len(s.Networks)),
		PIDs:    s.PidsStats.Current,
	}
	if !s.Read.IsZero() {
		out.Read = s.Read.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	for iface, n := range s.Networks {
		out.Network[iface] = NetworkIO{RxBytes: n.RxBytes, TxBytes: n.TxBytes, RxPackets: n.RxPackets, TxPackets: n.TxPackets}
	}
	for _, e := range s.BlkioStats.IoServiceBytesRecursive {
		switch {
		case strings.EqualFold(e.Op, "read"):
			out.BlockIO.Read += e.Value
		case strings.EqualFold(e.Op, "write"):
			out.BlockIO.Write += e.Value
		}
	}
	return out
}

// ContainerStats takes one non-streamed sample. The engine includes the
// previous CPU reading, so a single call is enough for a CPU percentage.
func (d *Dispatcher) ContainerStats(ctx context.Context, hostID, containerID string) (*ContainerStats, error) {
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}
	st, err := sampleStats(ctx, cli, containerID)
	if err != nil {
		return nil, opError("stats "+shortID(containerID), hostID, err)
	}
	return st, nil
}

func sampleStats(ctx context.Context, cli dockerclient.APIClient, containerID string) (*ContainerStats, error) {
	resp, err := cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return NormalizeStats(containerID, &raw), nil
}
