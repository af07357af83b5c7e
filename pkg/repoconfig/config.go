package repoconfig

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// SyncConfig is the declarative description of the fleet: which backends
// exist, which repo groups they sync and on what schedule, and which
// vault-backed credentials they authenticate with.
type SyncConfig struct {
	PulpServers map[string]ServerConfig     `yaml:"pulp_servers" validate:"required,dive"`
	Credentials map[string]CredentialConfig `yaml:"credentials" validate:"dive"`
	RepoGroups  map[string]GroupConfig      `yaml:"repo_groups" validate:"dive"`
}

// ServerConfig describes one backend in the sync config.
type ServerConfig struct {
	Credentials            string                       `yaml:"credentials" validate:"required"`
	SnapshotSupport        *SnapshotSupportConfig       `yaml:"snapshot_support"`
	RepoConfigRegistration *RegistrationConfig          `yaml:"repo_config_registration"`
	RepoGroups             map[string]ServerGroupConfig `yaml:"repo_groups" validate:"required,dive"`
}

// SnapshotSupportConfig marks a server as able to take snapshots.
type SnapshotSupportConfig struct {
	MaxConcurrentSnapshots int `yaml:"max_concurrent_snapshots" validate:"required,gt=0"`
}

// RegistrationConfig puts the server's config registration itself on a
// cron schedule.
type RegistrationConfig struct {
	Schedule     string `yaml:"schedule" validate:"required"`
	MaxRuntime   string `yaml:"max_runtime" validate:"required"`
	RegexInclude string `yaml:"regex_include"`
	RegexExclude string `yaml:"regex_exclude"`
}

// ServerGroupConfig schedules one repo group on one server. PulpMaster
// names another configured server whose repos seed this one before each
// sync.
type ServerGroupConfig struct {
	Schedule           string `yaml:"schedule"`
	MaxConcurrentSyncs int    `yaml:"max_concurrent_syncs" validate:"required,gt=0"`
	MaxRuntime         string `yaml:"max_runtime" validate:"required"`
	PulpMaster         string `yaml:"pulp_master"`
}

// CredentialConfig names a service account and the vault mount holding
// its password.
type CredentialConfig struct {
	Username                 string `yaml:"username" validate:"required"`
	VaultServiceAccountMount string `yaml:"vault_service_account_mount" validate:"required"`
}

// GroupConfig is a repo group's selection regexes.
type GroupConfig struct {
	RegexInclude string `yaml:"regex_include"`
	RegexExclude string `yaml:"regex_exclude"`
}

var serverNameRegex = regexp.MustCompile(`^[a-z0-9.\-_]+(:[0-9]+)?$`)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load reads and validates the sync config at path.
func Load(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync config %s: %w", path, err)
	}

	var cfg SyncConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sync config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks field constraints and then cross references, so a bad
// config reports every dangling reference at once rather than one per
// run.
func (c *SyncConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	var errs []string
	for _, serverName := range sortedKeys(c.PulpServers) {
		server := c.PulpServers[serverName]

		if !serverNameRegex.MatchString(serverName) {
			errs = append(errs, fmt.Sprintf("pulp server name %s is not a valid fqdn", serverName))
		}
		if _, ok := c.Credentials[server.Credentials]; !ok {
			errs = append(errs, fmt.Sprintf(
				"%s missing from credentials section, required for %s", server.Credentials, serverName))
		}

		for _, groupName := range sortedKeys(server.RepoGroups) {
			serverGroup := server.RepoGroups[groupName]
			if _, ok := c.RepoGroups[groupName]; !ok {
				errs = append(errs, fmt.Sprintf(
					"%s missing from repo_groups section, required for %s", groupName, serverName))
			}
			if serverGroup.Schedule != "" {
				if _, err := cronParser.Parse(serverGroup.Schedule); err != nil {
					errs = append(errs, fmt.Sprintf(
						"invalid schedule %q for %s on %s", serverGroup.Schedule, groupName, serverName))
				}
			}
			if _, err := parseRuntime(serverGroup.MaxRuntime); err != nil {
				errs = append(errs, fmt.Sprintf(
					"invalid max_runtime %q for %s on %s", serverGroup.MaxRuntime, groupName, serverName))
			}
			if serverGroup.PulpMaster != "" {
				if _, ok := c.PulpServers[serverGroup.PulpMaster]; !ok {
					errs = append(errs, fmt.Sprintf(
						"pulp master %s missing from pulp_servers section, required for %s on %s",
						serverGroup.PulpMaster, groupName, serverName))
				} else if serverGroup.PulpMaster == serverName {
					errs = append(errs, fmt.Sprintf(
						"pulp master of %s on %s cannot be the server itself", groupName, serverName))
				}
			}
		}

		if reg := server.RepoConfigRegistration; reg != nil {
			if _, err := cronParser.Parse(reg.Schedule); err != nil {
				errs = append(errs, fmt.Sprintf(
					"invalid repo_config_registration schedule %q for %s", reg.Schedule, serverName))
			}
			if _, err := parseRuntime(reg.MaxRuntime); err != nil {
				errs = append(errs, fmt.Sprintf(
					"invalid repo_config_registration max_runtime %q for %s", reg.MaxRuntime, serverName))
			}
		}
	}

	for _, groupName := range sortedKeys(c.RepoGroups) {
		group := c.RepoGroups[groupName]
		if group.RegexInclude != "" {
			if _, err := regexp.Compile(group.RegexInclude); err != nil {
				errs = append(errs, fmt.Sprintf("invalid regex_include for repo group %s", groupName))
			}
		}
		if group.RegexExclude != "" {
			if _, err := regexp.Compile(group.RegexExclude); err != nil {
				errs = append(errs, fmt.Sprintf("invalid regex_exclude for repo group %s", groupName))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("sync config errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// parseRuntime converts a duration string like "2h" into whole seconds.
func parseRuntime(runtime string) (int, error) {
	d, err := time.ParseDuration(runtime)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("max_runtime must be positive")
	}
	return int(d / time.Second), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
