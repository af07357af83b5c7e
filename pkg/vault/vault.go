package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	vaultapi "github.com/hashicorp/vault/api"
)

// ErrNotRefreshable is returned when Refresh is called on a provider that
// has no backing secret store to re-read.
var ErrNotRefreshable = errors.New("credentials cannot be refreshed")

// CredentialProvider supplies the password used for backend basic auth.
// Refresh re-reads the credential from its source; providers without a
// source return ErrNotRefreshable so callers stop retrying auth failures.
type CredentialProvider interface {
	Password(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticProvider holds a fixed password, used for local development and
// backends not enrolled in vault.
type StaticProvider struct {
	password string
}

// NewStaticProvider creates a provider around a fixed password.
func NewStaticProvider(password string) *StaticProvider {
	return &StaticProvider{password: password}
}

func (p *StaticProvider) Password(_ context.Context) (string, error) {
	return p.password, nil
}

func (p *StaticProvider) Refresh(_ context.Context) error {
	return ErrNotRefreshable
}

// AgentProvider reads service account passwords from a vault agent. The
// agent handles authentication, so the client talks to it tokenless.
type AgentProvider struct {
	client   *vaultapi.Client
	mount    string
	username string

	mu       sync.Mutex
	password string
	loaded   bool
}

// NewAgentProvider creates a provider that reads the password for username
// from the KV v2 mount via the vault agent at agentAddr.
func NewAgentProvider(agentAddr, mount, username string) (*AgentProvider, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = agentAddr

	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	// The agent injects auth, an empty token keeps the client happy.
	client.SetToken("")

	return &AgentProvider{client: client, mount: mount, username: username}, nil
}

func (p *AgentProvider) Password(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		if err := p.read(ctx); err != nil {
			return "", err
		}
	}
	return p.password, nil
}

func (p *AgentProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read(ctx)
}

func (p *AgentProvider) read(ctx context.Context) error {
	secret, err := p.client.KVv2(p.mount).Get(ctx, p.username)
	if err != nil {
		return fmt.Errorf("failed to read service account %s from vault: %w", p.username, err)
	}

	password, ok := secret.Data["current_password"].(string)
	if !ok {
		return fmt.Errorf("service account %s has no current_password field", p.username)
	}

	p.password = password
	p.loaded = true
	return nil
}
