package dispatcher

import (
	"context"
	"sort"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/go-units"
)

type VolumeSummary struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Mountpoint string            `json:"mountpoint"`
	Scope      string            `json:"scope"`
	CreatedAt  string            `json:"createdAt,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	// Size is only known when the engine computed usage data.
	Size     string `json:"size,omitempty"`
	RefCount int64  `json:"refCount"`
	InUse    bool   `json:"inUse"`
}

type IPAMConfig struct {
	Subnet  string `json:"subnet,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	IPRange string `json:"ipRange,omitempty"`
}

type NetworkContainer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IPv4Address string `json:"ipv4Address,omitempty"`
	IPv6Address string `json:"ipv6Address,omitempty"`
	MacAddress  string `json:"macAddress,omitempty"`
}

type NetworkSummary struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Driver     string             `json:"driver"`
	Scope      string             `json:"scope"`
	Internal   bool               `json:"internal"`
	Attachable bool               `json:"attachable"`
	EnableIPv6 bool               `json:"enableIPv6"`
	IPAMDriver string             `json:"ipamDriver,omitempty"`
	IPAM       []IPAMConfig       `json:"ipam"`
	Containers []NetworkContainer `json:"containers"`
}

// ListVolumes returns the host's volumes sorted by name.
func (d *Dispatcher) ListVolumes(ctx context.Context, hostID string) ([]VolumeSummary, error) {
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}
	resp, err := cli.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, opError("list volumes", hostID, err)
	}

	out := make([]VolumeSummary, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v == nil {
			continue
		}
		vs := VolumeSummary{
			Name:       v.Name,
			Driver:     v.Driver,
			Mountpoint: v.Mountpoint,
			Scope:      v.Scope,
			CreatedAt:  v.CreatedAt,
			Labels:     v.Labels,
			RefCount:   -1,
		}
		if v.UsageData != nil {
			vs.RefCount = v.UsageData.RefCount
			vs.InUse = v.UsageData.RefCount > 0
			if v.UsageData.Size >= 0 {
				vs.Size = units.HumanSize(float64(v.UsageData.Size))
			}
		}
		out = append(out, vs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListNetworks returns the host's networks with their IPAM configuration
// and attached containers, sorted by name.
func (d *Dispatcher) ListNetworks(ctx context.Context, hostID string) ([]NetworkSummary, error) {
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}
	nets, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, opError("list networks", hostID, err)
	}

	out := make([]NetworkSummary, 0, len(nets))
	for _, n := range nets {
		ns := NetworkSummary{
			ID:         n.ID,
			Name:       n.Name,
			Driver:     n.Driver,
			Scope:      n.Scope,
			Internal:   n.Internal,
			Attachable: n.Attachable,
			EnableIPv6: n.EnableIPv6,
			IPAMDriver: n.IPAM.Driver,
			IPAM:       make([]IPAMConfig, 0, len(n.IPAM.Config)),
			Containers: make([]NetworkContainer, 0, len(n.Containers)),
		}
		for _, c := range n.IPAM.Config {
			ns.IPAM = append(ns.IPAM, IPAMConfig{Subnet: c.Subnet, Gateway: c.Gateway, IPRange: c.IPRange})
		}
		for id, ep := range n.Containers {
			ns.Containers = append(ns.Containers, NetworkContainer{
				ID:          id,
				Name:        ep.Name,
				IPv4Address: ep.IPv4Address,
				IPv6Address: ep.IPv6Address,
				MacAddress:  ep.MacAddress,
			})
		}
		sort.Slice(ns.Containers, func(i, j int) bool { return ns.Containers[i].Name < ns.Containers[j].Name })
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
