package dispatcher

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/system"
	dockerclient "github.com/docker/docker/client"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Classified container statuses.
const (
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusRestarting = "restarting"
	StatusDead       = "dead"
	StatusCreated    = "created"
	StatusRemoving   = "removing"
	StatusExited     = "exited"
	StatusUnknown    = "unknown"
)

type Port struct {
	IP          string `json:"ip,omitempty"`
	PrivatePort uint16 `json:"privatePort"`
	PublicPort  uint16 `json:"publicPort,omitempty"`
	Type        string `json:"type"`
}

type Mount struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Mode        string `json:"mode,omitempty"`
	RW          bool   `json:"rw"`
}

type ContainerDetails struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Image        string                `json:"image"`
	ImageID      string                `json:"imageId,omitempty"`
	Command      string                `json:"command,omitempty"`
	State        string                `json:"state"`
	Status       string                `json:"status"`
	StatusText   string                `json:"statusText,omitempty"`
	Created      string                `json:"created"`
	Ports        []Port                `json:"ports"`
	Mounts       []Mount               `json:"mounts"`
	Labels       map[string]string     `json:"labels,omitempty"`
	RestartCount int                   `json:"restartCount"`
	Config       *container.Config     `json:"config,omitempty"`
	HostConfig   *container.HostConfig `json:"hostConfig,omitempty"`
}

type ListStats struct {
	TotalCount    int     `json:"totalCount"`
	RunningCount  int     `json:"runningCount"`
	StoppedCount  int     `json:"stoppedCount"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

type ContainerList struct {
	Containers []ContainerDetails `json:"containers"`
	Stats      ListStats          `json:"stats"`
}

type ListOptions struct {
	// IncludeUsage samples every running container and fills in the
	// host-wide CPU and memory percentages. It costs one stats call per
	// running container.
	IncludeUsage bool
}

// ClassifyState maps an inspected container state to a single status.
// Paused and restarting containers also report Running, so those flags are
// checked first.
func ClassifyState(s *container.State) string {
	if s == nil {
		return StatusUnknown
	}
	switch {
	case s.Running && s.Paused:
		return StatusPaused
	case s.Running && s.Restarting:
		return StatusRestarting
	case s.Running:
		return StatusRunning
	case s.Dead:
		return StatusDead
	}
	switch string(s.Status) {
	case StatusCreated:
		return StatusCreated
	case StatusRemoving:
		return StatusRemoving
	}
	return StatusExited
}

// DedupPorts keeps the first occurrence of each (public, private, type)
// triple. Engines list a published port once per host IP family.
func DedupPorts(ports []Port) []Port {
	type key struct {
		public, private uint16
		typ             string
	}
	seen := make(map[key]struct{}, len(ports))
	out := make([]Port, 0, len(ports))
	for _, p := range ports {
		k := key{p.PublicPort, p.PrivatePort, p.Type}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ListContainers returns every container on the host, running or not, with
// aggregate counts. Containers that disappear between listing and
// inspection are skipped.
func (d *Dispatcher) ListContainers(ctx context.Context, hostID string, opts ListOptions) (*ContainerList, error) {
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}

	var (
		summaries []container.Summary
		info      system.Info
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		summaries, err = cli.ContainerList(gctx, container.ListOptions{All: true})
		return err
	})
	g.Go(func() error {
		var err error
		info, err = cli.Info(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, opError("list containers", hostID, err)
	}

	details := make([]*ContainerDetails, len(summaries))
	ig, ictx := errgroup.WithContext(ctx)
	ig.SetLimit(d.batchConcurrency)
	for i, s := range summaries {
		ig.Go(func() error {
			insp, err := cli.ContainerInspect(ictx, s.ID)
			if err != nil || insp.ContainerJSONBase == nil {
				log.Debugf("[dispatch] %s: skipping container %s: %v", hostID, shortID(s.ID), err)
				return nil
			}
			details[i] = buildDetails(s, insp)
			return nil
		})
	}
	ig.Wait()

	out := &ContainerList{Containers: make([]ContainerDetails, 0, len(summaries))}
	for _, cd := range details {
		if cd == nil {
			continue
		}
		out.Containers = append(out.Containers, *cd)
		if cd.Status == StatusRunning {
			out.Stats.RunningCount++
		}
	}
	out.Stats.TotalCount = len(out.Containers)
	out.Stats.StoppedCount = out.Stats.TotalCount - out.Stats.RunningCount

	if opts.IncludeUsage {
		out.Stats.CPUPercent, out.Stats.MemoryPercent = d.hostUsage(ctx, cli, hostID, out.Containers, info)
	}
	return out, nil
}

func buildDetails(s container.Summary, insp container.InspectResponse) *ContainerDetails {
	cd := &ContainerDetails{
		ID:           s.ID,
		Name:         strings.TrimPrefix(insp.Name, "/"),
		Image:        s.Image,
		ImageID:      s.ImageID,
		Command:      s.Command,
		State:        string(s.State),
		Status:       ClassifyState(insp.State),
		StatusText:   s.Status,
		Created:      createdTime(insp.Created, s.Created),
		Labels:       s.Labels,
		RestartCount: insp.RestartCount,
		Config:       insp.Config,
		HostConfig:   insp.HostConfig,
	}
	if cd.Name == "" && len(s.Names) > 0 {
		cd.Name = strings.TrimPrefix(s.Names[0], "/")
	}

	ports := make([]Port, 0, len(s.Ports))
	for _, p := range s.Ports {
		ports = append(ports, Port{IP: p.IP, PrivatePort: p.PrivatePort, PublicPort: p.PublicPort, Type: p.Type})
	}
	cd.Ports = DedupPorts(ports)

	cd.Mounts = make([]Mount, 0, len(insp.Mounts))
	for _, m := range insp.Mounts {
		cd.Mounts = append(cd.Mounts, Mount{
			Type:        string(m.Type),
			Name:        m.Name,
			Source:      m.Source,
			Destination: m.Destination,
			Mode:        m.Mode,
			RW:          m.RW,
		})
	}
	return cd
}

// createdTime prefers the inspect timestamp and falls back to the list
// entry's unix seconds.
func createdTime(inspected string, unix int64) string {
	if t, err := time.Parse(time.RFC3339Nano, inspected); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

// hostUsage sums the usage of running containers and normalizes it by the
// host's CPU count and memory.
func (d *Dispatcher) hostUsage(ctx context.Context, cli dockerclient.APIClient, hostID string, containers []ContainerDetails, info system.Info) (cpu, mem float64) {
	var running []string
	for _, c := range containers {
		if c.Status == StatusRunning {
			running = append(running, c.ID)
		}
	}
	samples := make([]*ContainerStats, len(running))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.batchConcurrency)
	for i, id := range running {
		g.Go(func() error {
			st, err := sampleStats(gctx, cli, id)
			if err != nil {
				log.Debugf("[dispatch] %s: no stats for %s: %v", hostID, shortID(id), err)
				return nil
			}
			samples[i] = st
			return nil
		})
	}
	g.Wait()

	var cpuSum float64
	var memSum uint64
	for _, s := range samples {
		if s == nil {
			continue
		}
		cpuSum += s.CPU.Percent
		memSum += s.Memory.Usage
	}
	if info.NCPU > 0 {
		cpu = round2(cpuSum / float64(info.NCPU))
	}
	if info.MemTotal > 0 {
		mem = round2(float64(memSum) / float64(info.MemTotal) * 100)
	}
	return cpu, mem
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
