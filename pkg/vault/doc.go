// Package vault supplies backend credentials, either statically or from a
// vault agent's KV v2 service account mount.
package vault
