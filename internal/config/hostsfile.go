package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/KingCide/Mariner/internal/dockerhost"
)

// HostEntry is one host in a hosts file: a descriptor plus whether to
// connect it when the server starts.
type HostEntry struct {
	dockerhost.Descriptor
	AutoConnect bool
}

func (e *HostEntry) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode(&e.Descriptor); err != nil {
		return err
	}
	var flags struct {
		AutoConnect bool `yaml:"autoConnect"`
	}
	if err := value.Decode(&flags); err != nil {
		return err
	}
	e.AutoConnect = flags.AutoConnect
	return nil
}

type hostsFile struct {
	Hosts []HostEntry `yaml:"hosts"`
}

// LoadHostsFile reads a YAML hosts file:
//
//	hosts:
//	  - id: build-box
//	    name: Build box
//	    connectionType: ssh
//	    autoConnect: true
//	    config:
//	      host: 10.0.0.5
//	      username: ops
//	      privateKeyPath: /keys/ops
func LoadHostsFile(path string) ([]HostEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	return ParseHosts(data)
}

// ParseHosts decodes hosts file content. Every entry must have an id and
// ids must be unique; descriptor validation happens at connect time.
func ParseHosts(data []byte) ([]HostEntry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var f hostsFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: parse hosts file: %w", dockerhost.ErrConfig, err)
	}
	seen := make(map[string]bool, len(f.Hosts))
	for i, h := range f.Hosts {
		if h.ID == "" {
			return nil, fmt.Errorf("%w: hosts file entry %d has no id", dockerhost.ErrConfig, i)
		}
		if seen[h.ID] {
			return nil, fmt.Errorf("%w: duplicate host id %q in hosts file", dockerhost.ErrConfig, h.ID)
		}
		seen[h.ID] = true
	}
	return f.Hosts, nil
}
