package dockerhost

import "github.com/docker/docker/api/types/system"

// HostSummary is returned by a successful connect.
type HostSummary struct {
	Version           string `json:"version"`
	APIVersion        string `json:"apiVersion,omitempty"`
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containersRunning"`
	ContainersPaused  int    `json:"containersPaused"`
	ContainersStopped int    `json:"containersStopped"`
	Images            int    `json:"images"`
	OS                string `json:"os"`
	OSType            string `json:"osType,omitempty"`
	Architecture      string `json:"architecture,omitempty"`
	KernelVersion     string `json:"kernelVersion"`
	CPUs              int    `json:"cpus"`
	Memory            int64  `json:"memory"`
	Name              string `json:"name,omitempty"`
}

// SummaryFromInfo builds a HostSummary from the engine's info payload.
func SummaryFromInfo(info system.Info, apiVersion string) HostSummary {
	return HostSummary{
		Version:           info.ServerVersion,
		APIVersion:        apiVersion,
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
		ContainersPaused:  info.ContainersPaused,
		ContainersStopped: info.ContainersStopped,
		Images:            info.Images,
		OS:                info.OperatingSystem,
		OSType:            info.OSType,
		Architecture:      info.Architecture,
		KernelVersion:     info.KernelVersion,
		CPUs:              info.NCPU,
		Memory:            info.MemTotal,
		Name:              info.Name,
	}
}
