package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	httpapi "github.com/execution-hub/paid-dispatch/internal/api/http"
	"github.com/execution-hub/paid-dispatch/internal/application/dispatcher"
	apppayment "github.com/execution-hub/paid-dispatch/internal/application/payment"
	"github.com/execution-hub/paid-dispatch/internal/application/registry"
	"github.com/execution-hub/paid-dispatch/internal/application/selector"
	"github.com/execution-hub/paid-dispatch/internal/application/verifier"
	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/memory"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/metrics"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/postgres"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/settlement"
	"github.com/execution-hub/paid-dispatch/internal/migrations"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch API and the background prober",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	holder := config.NewHolder(cfg, logger)
	m := metrics.New()

	signer := protocolSigner(cfg, logger)
	if signer == nil {
		logger.Warn().Msg("no protocol signing key; secured executors cannot be reached")
	}

	settler, err := settlement.New(cfg, signer, logger)
	if err != nil {
		return fmt.Errorf("settlement backend %q: %w", cfg.Payment.Backend, err)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	reg := registry.NewService(memory.NewExecutorStore(), registry.NewHTTPProber(holder, signer, logger), holder, m, logger)
	go reg.Run(ctx)

	sel := selector.New(selector.NewWebhookScorer(holder), m, logger)
	runner := apppayment.NewProtocolClient(settler, st.journal, signer, holder, m, logger)

	var v dispatcher.Verifier
	var apiVerifier httpapi.PaymentVerifier
	if client := ledgerClient(cfg); client != nil {
		pv := verifier.New(client, logger, verifier.WithCommitment(cfg.Ledger.Commitment))
		v, apiVerifier = pv, pv
	}

	d := dispatcher.New(reg, sel, runner, v, st.consumed, holder, logger)
	api := httpapi.NewServer(reg, d, apiVerifier, st.journal, holder, m, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("backend", cfg.Payment.Backend).
			Str("fingerprint", cfg.Fingerprint()).
			Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info().Msg("shutting down")
	return httpServer.Shutdown(ctxShutdown)
}

// stores holds the settlement journal and the consumed client payments.
type stores struct {
	journal  payment.Journal
	consumed payment.ConsumedPayments
	close    func()
}

// openStores uses Postgres when DATABASE_URL is set and in-memory stores
// otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("DATABASE_URL not set; settlement journal and consumed payments kept in memory")
		return &stores{
			journal:  memory.NewJournal(),
			consumed: memory.NewConsumedPayments(),
			close:    func() {},
		}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &stores{
		journal:  postgres.NewJournalRepository(pool),
		consumed: postgres.NewConsumedPaymentRepository(pool),
		close:    pool.Close,
	}, nil
}
