// main.go bootstraps deployerd: it builds the root Cobra command, layers
// env and config-file values over flags, and runs the webhook server with a
// signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/deployer/internal/config"
	"github.com/example/deployer/internal/logging"
	"github.com/example/deployer/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := config.NewOptions()
	cmd := &cobra.Command{
		Use:           "deployerd",
		Short:         "Signed webhook receiver that deploys compose stacks",
		Long:          "deployerd listens for HMAC-signed webhook requests and drives docker compose to refresh the named stack.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	opts.BindFlags(cmd.Flags())
	cmd.Example = `  # Run against /stacks with the secret taken from the environment
  DEPLOYER_SECRET=s3cret deployerd --stacks-root /stacks

  # Keep the last 200 deploys in a local flight recorder
  deployerd --stacks-root /stacks --history-db /var/lib/deployerd/history.db --history-max-rows 200`
	bindViper(cmd)
	return cmd
}

func run(ctx context.Context, opts *config.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	log, err := logging.New(opts.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	srv, err := server.New(opts, log)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// bindViper overlays DEPLOYER_* environment variables and an optional config
// file onto any flag the operator did not set explicitly.
func bindViper(cmd *cobra.Command) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("DEPLOYER")
	v.AutomaticEnv()
	configFile := os.Getenv("DEPLOYER_CONFIG")
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		// A .env next to the binary is a convenience for compose-style
		// setups; existing environment variables win.
		_ = godotenv.Load()

		if err := v.BindPFlags(cmd.Flags()); err != nil {
			cobra.CheckErr(err)
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}
			if !v.IsSet(f.Name) {
				return
			}
			val := fmt.Sprintf("%v", v.Get(f.Name))
			if val != "" {
				_ = f.Value.Set(val)
			}
		})
	})
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "deployerd"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "deployerd"))
	}
	add("/etc/deployerd")
	return dirs
}
