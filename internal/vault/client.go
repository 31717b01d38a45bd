// Package vault resolves runtime secrets from HashiCorp Vault. When
// Vault is disabled the pipeline runs on whatever the config and
// environment already provide, so local development needs no Vault at
// all.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"market-analytics/config"
)

// Secrets is the set of sensitive values the pipeline reads from the
// KV store. Empty fields mean the secret is not managed by Vault and
// the configured value stands.
type Secrets struct {
	RedisPassword        string `json:"redis_password"`
	PostgresPassword     string `json:"postgres_password"`
	JWTSecret            string `json:"jwt_secret"`
	OperatorPasswordHash string `json:"operator_password_hash"`
}

// Client wraps the HashiCorp Vault client with a one-document secret
// cache.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Secrets
}

// NewClient creates a new Vault client. With Vault disabled the client
// is inert and Load returns empty secrets.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// Load reads the secret document, caching it for subsequent calls.
// With Vault disabled it returns empty secrets without an error.
func (c *Client) Load(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		cached := *c.cached
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return &Secrets{}, nil
	}

	path := c.secretPath()

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secrets found at %s", path)
	}

	// KV v2 wraps the payload in a "data" field.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	secrets := &Secrets{
		RedisPassword:        getString(data, "redis_password"),
		PostgresPassword:     getString(data, "postgres_password"),
		JWTSecret:            getString(data, "jwt_secret"),
		OperatorPasswordHash: getString(data, "operator_password_hash"),
	}

	c.mu.Lock()
	c.cached = secrets
	c.mu.Unlock()

	cached := *secrets
	return &cached, nil
}

// Apply overlays non-empty secrets onto cfg. Vault-managed values win
// over file and environment configuration.
func Apply(secrets *Secrets, cfg *config.Config) {
	if secrets == nil {
		return
	}
	if secrets.RedisPassword != "" {
		cfg.RedisConfig.Password = secrets.RedisPassword
	}
	if secrets.PostgresPassword != "" {
		cfg.PostgresConfig.Password = secrets.PostgresPassword
	}
	if secrets.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = secrets.JWTSecret
	}
	if secrets.OperatorPasswordHash != "" {
		cfg.AuthConfig.OperatorPasswordHash = secrets.OperatorPasswordHash
	}
}

// Invalidate drops the cached secrets so the next Load rereads Vault.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection. A disabled client is always
// healthy.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 read path for the secret document.
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
