// Package secretstore fetches per-stack credential bundles from HashiCorp
// Vault. The deploy pipeline only needs a synchronous "fetch secrets for
// stack" call with a bounded token freshness window.
package secretstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// tokenSafetyMargin is subtracted from the lease TTL so the cached token is
// refreshed before Vault actually expires it.
const tokenSafetyMargin = 60 * time.Second

// Config describes the Vault connection. An empty Address disables the store.
type Config struct {
	Address   string
	Namespace string
	// Token authenticates directly; when empty, RoleID/SecretID drive an
	// AppRole login.
	Token    string
	RoleID   string
	SecretID string
	// Mount is the KV-v2 mount point (default "kv").
	Mount string
	// Paths are KV paths read for each stack, merged in order so later paths
	// win. The literal "{stack}" is replaced with the stack name.
	Paths []string
}

// Store reads KV-v2 secrets with a cached AppRole token.
type Store struct {
	client *vault.Client
	cfg    Config
	log    *zap.Logger

	mu      sync.Mutex
	expires time.Time
	now     func() time.Time
}

// New returns a Store, or (nil, nil) when cfg.Address is empty.
func New(cfg Config, log *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, nil
	}
	if cfg.Token == "" && (cfg.RoleID == "" || cfg.SecretID == "") {
		return nil, fmt.Errorf("vault auth requires a token or roleId and secretId")
	}
	apiCfg := vault.DefaultConfig()
	apiCfg.Address = cfg.Address
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if strings.Trim(strings.TrimSpace(cfg.Mount), "/") == "" {
		cfg.Mount = "kv"
	} else {
		cfg.Mount = strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	}
	if len(cfg.Paths) == 0 {
		cfg.Paths = []string{"{stack}"}
	}
	return &Store{client: client, cfg: cfg, log: log, now: time.Now}, nil
}

// FetchForStack merges the secrets of every configured path for the stack.
// A path with no readable secret logs a warning and contributes nothing; only
// auth failures abort the fetch. The vars argument is advisory (the caller
// filters injection to referenced names) and unused here.
func (s *Store) FetchForStack(ctx context.Context, stack string, vars []string) (map[string]string, error) {
	if err := s.ensureAuth(ctx); err != nil {
		return nil, err
	}
	merged := make(map[string]string)
	for _, tmpl := range s.cfg.Paths {
		path := strings.Trim(strings.ReplaceAll(tmpl, "{stack}", stack), "/")
		if path == "" {
			continue
		}
		secret, err := s.client.KVv2(s.cfg.Mount).Get(ctx, path)
		if err != nil || secret == nil || secret.Data == nil {
			s.log.Warn("vault_path_empty", zap.String("stack", stack), zap.String("path", path), zap.Error(err))
			continue
		}
		count := 0
		for key, val := range secret.Data {
			str, ok := val.(string)
			if !ok {
				continue
			}
			merged[key] = str
			count++
		}
		s.log.Info("vault_path_loaded", zap.String("stack", stack), zap.String("path", path), zap.Int("count", count))
	}
	return merged, nil
}

// ensureAuth logs in via AppRole when no fresh token is cached. Static tokens
// never expire from our side.
func (s *Store) ensureAuth(ctx context.Context) error {
	if s.cfg.Token != "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.Token() != "" && s.now().Before(s.expires) {
		return nil
	}
	secret, err := s.client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   s.cfg.RoleID,
		"secret_id": s.cfg.SecretID,
	})
	if err != nil {
		return fmt.Errorf("vault approle login: %w", err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return fmt.Errorf("vault approle login returned no client token")
	}
	s.client.SetToken(secret.Auth.ClientToken)
	ttl := time.Duration(secret.Auth.LeaseDuration) * time.Second
	if ttl > tokenSafetyMargin {
		ttl -= tokenSafetyMargin
	}
	s.expires = s.now().Add(ttl)
	s.log.Info("vault_authenticated", zap.Duration("ttl", ttl))
	return nil
}
