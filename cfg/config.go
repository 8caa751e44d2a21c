package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreConfiguration controls the coordination-store backing.
type StoreConfiguration struct {
	Driver        string `toml:"driver"` // "sqlite" or "mysql"
	DSN           string `toml:"dsn"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// LeaseConfiguration controls the background loops of the process.
// DefaultTTLSeconds is the TTL of this instance's running_reapers heartbeat
// row; the registries in package coordinator do not read it and use
// store.DefaultTTL when a caller does not override the TTL.
type LeaseConfiguration struct {
	DefaultTTLSeconds int `toml:"default_ttl_seconds"`
	JanitorIntervalS  int `toml:"janitor_interval_seconds"`
	HeartbeatIntervalS int `toml:"heartbeat_interval_seconds"`
}

// InstanceConfiguration names this process to its peers.
type InstanceConfiguration struct {
	ID      string `toml:"id"` // UUID string; empty means auto-generate
	Address string `toml:"address"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration controls metrics exposition.
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration controls the admin HTTP surface.
type AdminConfiguration struct {
	BindAddress  string `toml:"bind_address"`
	Port         int    `toml:"port"`
	ClusterAuth  bool   `toml:"cluster_auth"`
	SharedSecret string `toml:"shared_secret"`
}

// Configuration is the coordinator's configuration surface: deliberately
// small, because the core it fronts (package coordinator) has no
// configuration surface of its own — see spec.md §6's process boundary.
type Configuration struct {
	Instance   InstanceConfiguration   `toml:"instance"`
	Store      StoreConfiguration      `toml:"store"`
	Lease      LeaseConfiguration      `toml:"lease"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags.
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	AddressFlag    = flag.String("address", "", "Instance address (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Config is the process-wide configuration, decoded by Load.
var Config = &Configuration{
	Instance: InstanceConfiguration{
		ID:      "",
		Address: "",
	},
	Store: StoreConfiguration{
		Driver:        "sqlite",
		DSN:           "./reaper-coordinator.db",
		BusyTimeoutMS: 5000,
	},
	Lease: LeaseConfiguration{
		DefaultTTLSeconds:  90,
		JanitorIntervalS:   30,
		HeartbeatIntervalS: 30,
	},
	Admin: AdminConfiguration{
		BindAddress: "0.0.0.0",
		Port:        8090,
		ClusterAuth: false,
	},
	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},
	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("config file not found, using defaults")
		}
	}

	if *AddressFlag != "" {
		Config.Instance.Address = *AddressFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.Instance.ID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return fmt.Errorf("generate instance id: %w", err)
		}
		Config.Instance.ID = id
		log.Info().Str("instance_id", id).Msg("auto-generated instance id")
	}

	return nil
}

// generateInstanceID derives a stable fallback instance identifier from
// the machine ID when no explicit one is configured.
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("reaper-coordinator")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// IsClusterAuthEnabled reports whether the admin HTTP surface requires a
// shared secret.
func IsClusterAuthEnabled() bool {
	return Config.Admin.ClusterAuth
}

// GetClusterSecret returns the configured admin shared secret.
func GetClusterSecret() string {
	return Config.Admin.SharedSecret
}

// Validate checks configuration for errors.
func Validate() error {
	if Config.Instance.Address == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.Instance.Address = fmt.Sprintf("%s:%d", hostname, Config.Admin.Port)
		log.Info().Str("address", Config.Instance.Address).Msg("auto-configured instance address")
	}

	if Config.Admin.Port < 1 || Config.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Store.Driver != "sqlite" && Config.Store.Driver != "mysql" {
		return fmt.Errorf("invalid store driver: %s", Config.Store.Driver)
	}

	if Config.Store.DSN == "" {
		return fmt.Errorf("store dsn must not be empty")
	}

	if Config.Lease.DefaultTTLSeconds < 1 {
		return fmt.Errorf("lease default ttl must be >= 1 second")
	}

	if Config.Lease.JanitorIntervalS < 1 {
		return fmt.Errorf("lease janitor interval must be >= 1 second")
	}

	if Config.Lease.HeartbeatIntervalS < 1 {
		return fmt.Errorf("lease heartbeat interval must be >= 1 second")
	}

	if Config.Admin.ClusterAuth && Config.Admin.SharedSecret == "" {
		return fmt.Errorf("cluster auth enabled but shared_secret is empty")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
