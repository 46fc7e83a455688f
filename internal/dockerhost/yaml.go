package dockerhost

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type descriptorYAML struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	ConnectionType Kind      `yaml:"connectionType"`
	Config         yaml.Node `yaml:"config"`
}

// UnmarshalYAML decodes the same shape as the JSON form, so hosts files
// and API payloads are interchangeable.
func (d *Descriptor) UnmarshalYAML(value *yaml.Node) error {
	var in descriptorYAML
	if err := value.Decode(&in); err != nil {
		return err
	}
	cfg, err := NewConfig(in.ConnectionType)
	if err != nil {
		return fmt.Errorf("host %q: %w", in.ID, err)
	}
	if !in.Config.IsZero() {
		if err := in.Config.Decode(cfg); err != nil {
			return fmt.Errorf("%w: host %q: decode %s config: %v", ErrConfig, in.ID, in.ConnectionType, err)
		}
	}
	d.ID = in.ID
	d.Name = in.Name
	d.Config = deref(cfg)
	return nil
}
