// Package catalog persists host descriptors. Connection settings are stored
// as JSON; SSH credentials are split off and stored Fernet-encrypted.
package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/config"
	"github.com/KingCide/Mariner/internal/crypto"
	"github.com/KingCide/Mariner/internal/database"
	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/logutil"
)

// ErrNotFound is returned for ids that are not in the catalog.
var ErrNotFound = database.ErrHostNotFound

type Entry struct {
	Descriptor  dockerhost.Descriptor `json:"descriptor"`
	AutoConnect bool                  `json:"autoConnect"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

type sshSecrets struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Save validates d and stores it, replacing any entry with the same id. An
// empty id is replaced with a new UUID. The stored entry is returned.
func Save(d dockerhost.Descriptor, autoConnect bool) (*Entry, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	row, err := toRow(d, autoConnect)
	if err != nil {
		return nil, err
	}
	if err := database.SaveHost(row); err != nil {
		return nil, fmt.Errorf("save host %s: %w", d.ID, err)
	}
	log.Infof("[catalog] saved %s host %s", d.Kind(), logutil.SanitizeForLog(d.ID))
	return &Entry{Descriptor: d, AutoConnect: autoConnect, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt}, nil
}

func Get(id string) (*Entry, error) {
	row, err := database.GetHost(id)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// List returns every stored entry. Rows that cannot be decoded are logged
// and skipped.
func List() ([]Entry, error) {
	rows, err := database.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			log.Warnf("[catalog] skipping host %s: %v", logutil.SanitizeForLog(rows[i].ID), err)
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func Delete(id string) error {
	if err := database.DeleteHost(id); err != nil {
		return err
	}
	log.Infof("[catalog] removed host %s", logutil.SanitizeForLog(id))
	return nil
}

// AutoConnect returns the entries flagged for connection at startup.
func AutoConnect() ([]Entry, error) {
	rows, err := database.AutoConnectHosts()
	if err != nil {
		return nil, fmt.Errorf("list auto-connect hosts: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			log.Warnf("[catalog] skipping host %s: %v", logutil.SanitizeForLog(rows[i].ID), err)
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

// Import saves every hosts file entry. All entries are validated first
// and the rows are written in one transaction, so nothing is stored
// unless every entry is.
func Import(entries []config.HostEntry) (int, error) {
	var result *multierror.Error
	rows := make([]*database.Host, 0, len(entries))
	for _, e := range entries {
		d := e.Descriptor
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if err := d.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("host %q: %w", d.ID, err))
			continue
		}
		row, err := toRow(d, e.AutoConnect)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("host %q: %w", d.ID, err))
			continue
		}
		rows = append(rows, row)
	}
	if err := result.ErrorOrNil(); err != nil {
		return 0, err
	}
	if err := database.SaveHosts(rows); err != nil {
		return 0, fmt.Errorf("import hosts: %w", err)
	}
	log.Infof("[catalog] imported %d host(s)", len(rows))
	return len(rows), nil
}

// Redact returns a copy of d safe to show to API clients: secrets are
// masked, paths are kept.
func Redact(d dockerhost.Descriptor) dockerhost.Descriptor {
	if c, ok := d.Config.(dockerhost.SSHConfig); ok {
		c.Password = crypto.Mask(c.Password)
		if c.PrivateKey != "" {
			c.PrivateKey = "****"
		}
		c.Passphrase = crypto.Mask(c.Passphrase)
		d.Config = c
	}
	return d
}

func toRow(d dockerhost.Descriptor, autoConnect bool) (*database.Host, error) {
	cfg := d.Config
	var secrets sshSecrets
	if c, ok := cfg.(dockerhost.SSHConfig); ok {
		secrets = sshSecrets{Password: c.Password, PrivateKey: c.PrivateKey, Passphrase: c.Passphrase}
		c.Password, c.PrivateKey, c.Passphrase = "", "", ""
		cfg = c
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode host config: %w", err)
	}
	row := &database.Host{
		ID:          d.ID,
		Name:        d.Name,
		Kind:        string(d.Kind()),
		Config:      string(raw),
		AutoConnect: autoConnect,
	}
	if secrets != (sshSecrets{}) {
		plain, err := json.Marshal(secrets)
		if err != nil {
			return nil, fmt.Errorf("encode host secrets: %w", err)
		}
		if row.Secrets, err = crypto.Encrypt(string(plain)); err != nil {
			return nil, fmt.Errorf("encrypt host secrets: %w", err)
		}
	}
	return row, nil
}

func fromRow(row *database.Host) (*Entry, error) {
	ptr, err := dockerhost.NewConfig(dockerhost.Kind(row.Kind))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.Config), ptr); err != nil {
		return nil, fmt.Errorf("%w: decode stored config for %s: %v", dockerhost.ErrConfig, row.ID, err)
	}
	if c, ok := ptr.(*dockerhost.SSHConfig); ok && row.Secrets != "" {
		plain, err := crypto.Decrypt(row.Secrets)
		if err != nil {
			return nil, fmt.Errorf("decrypt secrets for %s: %w", row.ID, err)
		}
		var s sshSecrets
		if err := json.Unmarshal([]byte(plain), &s); err != nil {
			return nil, fmt.Errorf("decode secrets for %s: %w", row.ID, err)
		}
		c.Password, c.PrivateKey, c.Passphrase = s.Password, s.PrivateKey, s.Passphrase
	}
	return &Entry{
		Descriptor:  dockerhost.Descriptor{ID: row.ID, Name: row.Name, Config: dockerhost.ConfigFrom(ptr)},
		AutoConnect: row.AutoConnect,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}
