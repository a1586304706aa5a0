// File: internal/config/config.go
// Brief: Internal config package implementation for 'config'.

// Package config defines the flag plumbing and runtime options for the deploy
// webhook, translating Cobra/Viper flag values into a strongly typed struct
// that the server and pipeline consume. The struct is built once at startup
// and passed explicitly; there is no ambient global lookup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Options holds all runtime configuration for deployerd.
type Options struct {
	Listen   string
	LogLevel string

	// Secret is the shared HMAC secret; startup fails closed when empty.
	Secret string
	// StacksRoot is the directory holding one subdirectory per stack.
	StacksRoot string

	RateLimitPerMin int

	StatusTimeout time.Duration
	ConfigTimeout time.Duration
	PullTimeout   time.Duration
	UpTimeout     time.Duration

	VaultAddr      string
	VaultNamespace string
	VaultToken     string
	VaultRoleID    string
	VaultSecretID  string
	VaultMount     string
	VaultPaths     []string

	HistoryDB      string
	HistoryMaxRows int
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		Listen:          ":8080",
		LogLevel:        "info",
		StacksRoot:      "/stacks",
		RateLimitPerMin: 10,
		StatusTimeout:   60 * time.Second,
		ConfigTimeout:   120 * time.Second,
		PullTimeout:     600 * time.Second,
		UpTimeout:       600 * time.Second,
		VaultMount:      "kv",
		VaultPaths:      []string{"{stack}"},
		HistoryMaxRows:  500,
	}
}

// AddFlags binds configuration flags to the provided Cobra command.
func (o *Options) AddFlags(cmd *cobra.Command) {
	o.BindFlags(cmd.Flags())
}

// BindFlags attaches option flags to an arbitrary FlagSet.
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, "listen", o.Listen, "HTTP listen address (host:port)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level for deployerd output (debug, info, warn, error)")
	fs.StringVar(&o.Secret, "secret", o.Secret, "Shared secret used to verify X-Signature request signatures (required)")
	fs.StringVar(&o.StacksRoot, "stacks-root", o.StacksRoot, "Directory containing one compose project directory per stack")
	fs.IntVar(&o.RateLimitPerMin, "rate-limit-per-min", o.RateLimitPerMin, "Requests admitted per client address per minute")
	fs.DurationVar(&o.StatusTimeout, "status-timeout", o.StatusTimeout, "Timeout for the status step (docker compose ps)")
	fs.DurationVar(&o.ConfigTimeout, "config-timeout", o.ConfigTimeout, "Timeout for the config step (docker compose config)")
	fs.DurationVar(&o.PullTimeout, "pull-timeout", o.PullTimeout, "Timeout for the pull step (docker compose pull)")
	fs.DurationVar(&o.UpTimeout, "up-timeout", o.UpTimeout, "Timeout for the up step (docker compose up)")
	fs.StringVar(&o.VaultAddr, "vault-addr", o.VaultAddr, "Vault address; empty disables secret injection")
	fs.StringVar(&o.VaultNamespace, "vault-namespace", o.VaultNamespace, "Vault namespace (optional)")
	fs.StringVar(&o.VaultToken, "vault-token", o.VaultToken, "Static Vault token (alternative to AppRole)")
	fs.StringVar(&o.VaultRoleID, "vault-role-id", o.VaultRoleID, "Vault AppRole role_id")
	fs.StringVar(&o.VaultSecretID, "vault-secret-id", o.VaultSecretID, "Vault AppRole secret_id")
	fs.StringVar(&o.VaultMount, "vault-mount", o.VaultMount, "Vault KV-v2 mount point")
	fs.StringSliceVar(&o.VaultPaths, "vault-paths", o.VaultPaths, "KV paths fetched per stack; {stack} expands to the stack name")
	fs.StringVar(&o.HistoryDB, "history-db", o.HistoryDB, "Path to the SQLite deploy history database; empty disables history")
	fs.IntVar(&o.HistoryMaxRows, "history-max-rows", o.HistoryMaxRows, "Max deploy records retained in history (0 = unlimited)")
}

// Validate ensures provided options are coherent. Startup-critical checks
// fail closed: a missing secret or stacks root aborts the process before the
// server accepts traffic.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.Secret) == "" {
		return fmt.Errorf("secret must be set (fail-closed); use --secret or DEPLOYER_SECRET")
	}
	info, err := os.Stat(o.StacksRoot)
	if err != nil {
		return fmt.Errorf("stacks root not found: %s", o.StacksRoot)
	}
	if !info.IsDir() {
		return fmt.Errorf("stacks root is not a directory: %s", o.StacksRoot)
	}
	if o.RateLimitPerMin <= 0 {
		return fmt.Errorf("rate-limit-per-min must be positive, got %d", o.RateLimitPerMin)
	}
	for name, d := range map[string]time.Duration{
		"status-timeout": o.StatusTimeout,
		"config-timeout": o.ConfigTimeout,
		"pull-timeout":   o.PullTimeout,
		"up-timeout":     o.UpTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if o.VaultAddr != "" && o.VaultToken == "" && (o.VaultRoleID == "" || o.VaultSecretID == "") {
		return fmt.Errorf("vault-addr set but no vault-token or vault-role-id/vault-secret-id provided")
	}
	if o.HistoryMaxRows < 0 {
		return fmt.Errorf("history-max-rows cannot be negative, got %d", o.HistoryMaxRows)
	}
	return nil
}
