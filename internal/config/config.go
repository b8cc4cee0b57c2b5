package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8700"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	// ProfilesPath and DatabasePath default to files under DataPath when
	// not set explicitly.
	ProfilesPath string `envconfig:"PROFILES_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Session engine settings
	ConnectTimeout        time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	DefaultCommandTimeout time.Duration `envconfig:"DEFAULT_COMMAND_TIMEOUT" default:"5m"`
	KeepaliveInterval     time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	RecoveryProbeTimeout  time.Duration `envconfig:"RECOVERY_PROBE_TIMEOUT" default:"3s"`

	// Audit log settings
	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHBROKER", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.ProfilesPath == "" {
		Cfg.ProfilesPath = filepath.Join(Cfg.DataPath, "profiles.yaml")
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "sshbroker.db")
	}
}
