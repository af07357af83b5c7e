package pulp

import (
	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/types"
	"github.com/G-Research/Pulp-manager/pkg/vault"
)

// NewClientForServer builds a client for a managed backend. Servers
// enrolled in vault get refreshable credentials from the vault agent,
// everything else uses the static password from config. A server with no
// username of its own falls back to the fleet default.
func NewClientForServer(server *types.PulpServer, cfg config.PulpConfig) (*Client, error) {
	username := server.Username
	if username == "" {
		username = cfg.DefaultUsername
	}

	var creds vault.CredentialProvider
	if cfg.UseVaultAgent && server.VaultServiceAccountMount != "" {
		provider, err := vault.NewAgentProvider(cfg.VaultAgentAddr, server.VaultServiceAccountMount, username)
		if err != nil {
			return nil, err
		}
		creds = provider
	} else {
		creds = vault.NewStaticProvider(cfg.Password)
	}

	return NewClient(ClientConfig{
		Address:     server.Name,
		Username:    username,
		Credentials: creds,
		UseHTTPS:    cfg.UseHTTPS,
		VerifySSL:   cfg.VerifySSL,
	}), nil
}
