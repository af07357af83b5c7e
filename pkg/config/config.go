package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath is the environment variable naming the config file.
const EnvConfigPath = "PULP_MANAGER_CONFIG_PATH"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "/etc/pulp-manager/config.yml"

// Config is the full pulp-manager configuration, shared by the server,
// worker and scheduler processes.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Pulp      PulpConfig      `yaml:"pulp"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Paging    PagingConfig    `yaml:"paging"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	// JWTSecret comes from the JWT_SECRET env var, never from file
	JWTSecret            string   `yaml:"-"`
	JWTAlgorithm         string   `yaml:"jwt_algorithm" validate:"omitempty,oneof=HS256 HS384 HS512"`
	JWTTokenLifetimeMins int      `yaml:"jwt_token_lifetime_mins" validate:"gte=0"`
	AdminGroups          []string `yaml:"admin_groups"`
}

type PulpConfig struct {
	DefaultUsername      string   `yaml:"default_username" validate:"required"`
	UseVaultAgent        bool     `yaml:"use_vault_agent"`
	VaultAgentAddr       string   `yaml:"vault_agent_addr"`
	VaultSvcAccountMount string   `yaml:"vault_svc_account_mount"`
	Password             string   `yaml:"password"`
	UseHTTPS             bool     `yaml:"use_https"`
	VerifySSL            bool     `yaml:"verify_ssl"`
	InternalDomains      []string `yaml:"internal_domains"`
	BannedPackageRegexes []string `yaml:"banned_package_regexes"`
	SyncConfigPath       string   `yaml:"sync_config_path"`
}

type WorkerConfig struct {
	Queues       []string `yaml:"queues"`
	ResultTTLSec int      `yaml:"result_ttl_sec" validate:"gte=0"`
}

type SchedulerConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec" validate:"gte=0"`
}

type PagingConfig struct {
	DefaultPageSize int `yaml:"default_page_size" validate:"gte=0"`
	MaxPageSize     int `yaml:"max_page_size" validate:"gte=0"`
}

func defaults() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", JSON: true},
		Server: ServerConfig{ListenAddr: ":8080"},
		Redis:  RedisConfig{Addr: "127.0.0.1:6379"},
		Auth: AuthConfig{
			JWTAlgorithm:         "HS256",
			JWTTokenLifetimeMins: 60,
		},
		Pulp: PulpConfig{
			UseVaultAgent:        true,
			VaultAgentAddr:       "http://127.0.0.1:8200",
			VaultSvcAccountMount: "service-accounts",
			UseHTTPS:             true,
			VerifySSL:            true,
		},
		Worker:    WorkerConfig{Queues: []string{"default"}, ResultTTLSec: 172800},
		Scheduler: SchedulerConfig{PollIntervalSec: 60},
		Paging:    PagingConfig{DefaultPageSize: 20, MaxPageSize: 500},
	}
}

// Load reads the config file named by PULP_MANAGER_CONFIG_PATH (or the
// default path), applies env overrides, and validates the result.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config at path.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("PULP_PASSWORD"); v != "" {
		cfg.Pulp.Password = v
	}
}
