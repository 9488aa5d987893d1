package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize is a size read from the environment in either plain bytes or
// human form ("8m", "32KiB").
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Settings configures the backend process host (shellkeeperd).
type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/shellkeeper"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8022"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	APIToken     string `envconfig:"API_TOKEN" default:""`
	// AllowedSources is a comma-separated list of IPs and CIDR ranges that
	// may connect. Empty allows all.
	AllowedSources string `envconfig:"ALLOWED_SOURCES" default:""`

	// TLS for the listener; all three empty means plain HTTP.
	TLSCert string `envconfig:"TLS_CERT" default:""`
	TLSKey  string `envconfig:"TLS_KEY" default:""`
	TLSCA   string `envconfig:"TLS_CA" default:""`
	// TLSAuto serves TLS with a self-signed pair kept under DataPath when no
	// cert files are configured.
	TLSAuto bool `envconfig:"TLS_AUTO" default:"false"`

	// Profiles seeded into the catalog at startup (YAML).
	ProfilesFile string `envconfig:"PROFILES_FILE" default:""`
	Shell        string `envconfig:"SHELL" default:"/bin/bash"`

	// Suspension settings
	SuspendIdleTimeout  time.Duration `envconfig:"SUSPEND_IDLE_TIMEOUT" default:"30m"`
	ReplayMaxBytes      ByteSize      `envconfig:"REPLAY_MAX_BYTES" default:"8MiB"`
	ReplayChunkSize     ByteSize      `envconfig:"REPLAY_CHUNK_SIZE" default:"32KiB"`
	StaleEntryRetention time.Duration `envconfig:"STALE_ENTRY_RETENTION" default:"24h"`

	AuditRetentionDays  int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	MaintenanceSchedule string `envconfig:"MAINTENANCE_SCHEDULE" default:"@hourly"`

	MessageRateLimit float64 `envconfig:"MESSAGE_RATE_LIMIT" default:"200"`
	MessageRateBurst int     `envconfig:"MESSAGE_RATE_BURST" default:"200"`
}

// ClientSettings configures the shellkeeper client.
type ClientSettings struct {
	ServerURL    string `envconfig:"SERVER_URL" default:"ws://localhost:8022"`
	APIToken     string `envconfig:"API_TOKEN" default:""`
	ProfilesFile string `envconfig:"PROFILES_FILE" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"warn"`

	TLSCA string `envconfig:"TLS_CA" default:""`

	ResumeConnectTimeout time.Duration `envconfig:"RESUME_CONNECT_TIMEOUT" default:"5s"`
	ResumePollInterval   time.Duration `envconfig:"RESUME_POLL_INTERVAL" default:"100ms"`
	RequestTimeout       time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
}

var (
	Cfg       Settings
	ClientCfg ClientSettings
)

// Load populates Cfg from SHELLKEEPER_* environment variables.
func Load() error {
	Cfg = Settings{}
	if err := envconfig.Process("SHELLKEEPER", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	Cfg.applyDerived()
	return Cfg.Validate()
}

// LoadClient populates ClientCfg from SHELLKEEPER_CLIENT_* environment variables.
func LoadClient() error {
	ClientCfg = ClientSettings{}
	if err := envconfig.Process("SHELLKEEPER_CLIENT", &ClientCfg); err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	return ClientCfg.Validate()
}

func (s *Settings) applyDerived() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "shellkeeper.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "shellkeeper.log")
	}
}

// Validate rejects settings that would make the coordinator misbehave.
func (s *Settings) Validate() error {
	if s.SuspendIdleTimeout < 0 {
		return fmt.Errorf("SUSPEND_IDLE_TIMEOUT must not be negative")
	}
	if s.ReplayChunkSize <= 0 {
		return fmt.Errorf("REPLAY_CHUNK_SIZE must be positive")
	}
	if s.ReplayMaxBytes < s.ReplayChunkSize {
		return fmt.Errorf("REPLAY_MAX_BYTES (%s) must be at least REPLAY_CHUNK_SIZE (%s)", s.ReplayMaxBytes, s.ReplayChunkSize)
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}
	return nil
}

// TLSEnabled reports whether the listener should serve TLS.
func (s *Settings) TLSEnabled() bool {
	return s.TLSAuto || (s.TLSCert != "" && s.TLSKey != "")
}

// Validate rejects client settings the resume flow cannot work with.
func (c *ClientSettings) Validate() error {
	if c.ResumeConnectTimeout <= 0 {
		return fmt.Errorf("RESUME_CONNECT_TIMEOUT must be positive")
	}
	if c.ResumePollInterval <= 0 || c.ResumePollInterval > c.ResumeConnectTimeout {
		return fmt.Errorf("RESUME_POLL_INTERVAL must be positive and not exceed RESUME_CONNECT_TIMEOUT")
	}
	return nil
}
