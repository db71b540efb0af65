package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/keystore"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/ledger"
)

var rootCmd = &cobra.Command{
	Use:           "paid-dispatch",
	Short:         "Paid command dispatch engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, verifyCmd, probeCmd)
	if err := rootCmd.Execute(); err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadRuntime reads configuration and builds the process logger.
func loadRuntime() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Server.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	return cfg, logger, nil
}

// ledgerClient returns nil when no RPC endpoint is configured.
func ledgerClient(cfg *config.Config) ledger.Client {
	if cfg.Ledger.RPCURL == "" {
		return nil
	}
	return ledger.NewRPCClient(cfg.Ledger.RPCURL, cfg.Ledger.RPCTimeout)
}

// protocolSigner combines the configured protocol key with any SIGNING_KEYS
// set. It returns nil when no default key is available.
func protocolSigner(cfg *config.Config, logger zerolog.Logger) *keystore.Signer {
	ks := keystore.New(cfg.Protocol.KeyID, cfg.Protocol.Secret)
	env, err := keystore.NewFromEnv()
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring SIGNING_KEYS")
	} else {
		ks.Merge(env)
	}
	if !ks.HasDefault() {
		return nil
	}
	return keystore.NewSigner(ks)
}
