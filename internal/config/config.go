package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Overrides the platform default engine socket for local hosts.
	LocalSocketPath string `envconfig:"LOCAL_SOCKET_PATH" default:""`

	// SSH tunnel settings
	SSHConnectTimeout       time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`
	SSHKeepaliveInterval    time.Duration `envconfig:"SSH_KEEPALIVE_INTERVAL" default:"30s"`
	SSHKeepaliveMaxFailures int           `envconfig:"SSH_KEEPALIVE_MAX_FAILURES" default:"3"`
	SSHKnownHosts           string        `envconfig:"SSH_KNOWN_HOSTS" default:""`

	ProbeTimeout        time.Duration `envconfig:"PROBE_TIMEOUT" default:"15s"`
	HealthCheckSchedule string        `envconfig:"HEALTH_CHECK_SCHEDULE" default:"@every 1m"`

	// Connect rate limiting, per host
	ConnectAttemptsPerMinute int           `envconfig:"CONNECT_ATTEMPTS_PER_MINUTE" default:"10"`
	ConnectMaxConsecFailures int           `envconfig:"CONNECT_MAX_CONSEC_FAILURES" default:"5"`
	ConnectBlockDuration     time.Duration `envconfig:"CONNECT_BLOCK_DURATION" default:"5m"`

	BatchConcurrency    int           `envconfig:"BATCH_CONCURRENCY" default:"8"`
	StatsStreamInterval time.Duration `envconfig:"STATS_STREAM_INTERVAL" default:"2s"`

	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	APIAllowedIPs string `envconfig:"API_ALLOWED_IPS" default:""`
	// Serve the API over HTTPS with a self-signed certificate kept in the
	// settings table.
	APITLS      bool     `envconfig:"API_TLS" default:"false"`
	APITLSHosts []string `envconfig:"API_TLS_HOSTS" default:"localhost,127.0.0.1"`
	HostsFile   string   `envconfig:"HOSTS_FILE" default:""`
}

var Cfg Settings

// Load reads MARINER_* variables into Cfg. Paths left empty are derived
// from DataPath.
func Load() error {
	if err := envconfig.Process("MARINER", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "mariner.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "mariner.log")
	}
	if Cfg.BatchConcurrency <= 0 {
		return fmt.Errorf("load config: MARINER_BATCH_CONCURRENCY must be positive, got %d", Cfg.BatchConcurrency)
	}
	if Cfg.StatsStreamInterval <= 0 {
		return fmt.Errorf("load config: MARINER_STATS_STREAM_INTERVAL must be positive, got %s", Cfg.StatsStreamInterval)
	}
	return nil
}
