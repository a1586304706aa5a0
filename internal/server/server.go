// Package server exposes the deploy webhook HTTP surface and wires the
// admission, authentication, and pipeline stages together.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/deployer/internal/config"
	"github.com/example/deployer/internal/deploy"
	"github.com/example/deployer/internal/history"
	"github.com/example/deployer/internal/ratelimit"
	"github.com/example/deployer/internal/runner"
	"github.com/example/deployer/internal/secretstore"
	"github.com/example/deployer/internal/signing"
	"github.com/example/deployer/internal/stacks"
)

// sweepInterval is how often idle rate-limiter buckets are dropped.
const sweepInterval = time.Minute

// Deployer runs the deployment pipeline for a resolved stack.
type Deployer interface {
	Deploy(ctx context.Context, stack stacks.Stack) deploy.Response
}

// Server holds the webhook's request-handling dependencies.
type Server struct {
	opts     *config.Options
	log      *zap.Logger
	verifier *signing.Verifier
	limiter  ratelimit.Admitter
	resolver *stacks.Resolver
	deployer Deployer
	hist     *history.Store
}

// New constructs a fully wired Server from validated options.
func New(opts *config.Options, log *zap.Logger) (*Server, error) {
	secrets, err := secretstore.New(secretstore.Config{
		Address:   opts.VaultAddr,
		Namespace: opts.VaultNamespace,
		Token:     opts.VaultToken,
		RoleID:    opts.VaultRoleID,
		SecretID:  opts.VaultSecretID,
		Mount:     opts.VaultMount,
		Paths:     opts.VaultPaths,
	}, log)
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(opts.HistoryDB, opts.HistoryMaxRows)
	if err != nil {
		return nil, err
	}
	timeouts := deploy.Timeouts{
		Status: opts.StatusTimeout,
		Config: opts.ConfigTimeout,
		Pull:   opts.PullTimeout,
		Up:     opts.UpTimeout,
	}
	var source deploy.SecretSource
	if secrets != nil {
		source = secrets
	}
	orch := deploy.New(runner.NewExecRunner(log), timeouts, source, log)
	return &Server{
		opts:     opts,
		log:      log,
		verifier: signing.NewVerifier([]byte(opts.Secret)),
		limiter:  ratelimit.NewSlidingWindow(opts.RateLimitPerMin),
		resolver: stacks.NewResolver(opts.StacksRoot),
		deployer: orch,
		hist:     hist,
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. The
// rate-limiter sweep runs alongside so idle client keys do not accumulate for
// the process lifetime.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.opts.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = s.hist.Close()
		return nil
	})
	g.Go(func() error {
		sweeper, ok := s.limiter.(interface{ Sweep() })
		if !ok {
			return nil
		}
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				sweeper.Sweep()
			}
		}
	})
	return g.Wait()
}
