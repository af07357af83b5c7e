// Package config loads and validates the YAML configuration shared by the
// server, worker and scheduler processes. Secrets are taken from the
// environment, never from the file.
package config
