// Package repoconfig applies the declarative sync config. The YAML file
// names the fleet's backends, their credentials, the repo groups they
// sync and the cron schedules to sync them on. A registration run diffs
// the config against the inventory, applies the difference, and
// re-registers the schedules. The config file is the source of truth:
// groups and registrations it no longer mentions are removed.
package repoconfig
