package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/execution-hub/paid-dispatch/internal/application/registry"
	"github.com/execution-hub/paid-dispatch/internal/application/verifier"
	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
)

var (
	verifySignature string
	verifyReceiver  string
	verifyAmount    float64
	probeAddress    string
	probeSecure     bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check an on-chain client payment against the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		client := ledgerClient(cfg)
		if client == nil {
			return errors.New("LEDGER_RPC_URL is required")
		}
		receiver := verifyReceiver
		if receiver == "" {
			receiver = cfg.Verifier.ReceiverAccount
		}
		v := verifier.New(client, logger, verifier.WithCommitment(cfg.Ledger.Commitment))
		verdict, err := v.Verify(cmd.Context(), verifySignature, receiver, verifyAmount)
		if err != nil {
			return err
		}
		if err := printJSON(verdict); err != nil {
			return err
		}
		if !verdict.Valid {
			return fmt.Errorf("payment rejected: %s", verdict.Reason)
		}
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe one executor address and print its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		prober := registry.NewHTTPProber(config.Static{Config: cfg}, protocolSigner(cfg, logger), logger)
		status := prober.Probe(cmd.Context(), &executor.Executor{
			ID:             "cli",
			Address:        probeAddress,
			RequiresSecure: probeSecure,
		})
		return printJSON(status)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifySignature, "signature", "", "transaction signature")
	verifyCmd.Flags().StringVar(&verifyReceiver, "receiver", "", "receiving account (defaults to VERIFIER_RECEIVER_ACCOUNT)")
	verifyCmd.Flags().Float64Var(&verifyAmount, "amount", 0, "expected amount in SOL")
	_ = verifyCmd.MarkFlagRequired("signature")
	_ = verifyCmd.MarkFlagRequired("amount")

	probeCmd.Flags().StringVar(&probeAddress, "address", "", "executor base URL")
	probeCmd.Flags().BoolVar(&probeSecure, "secure", false, "retry with a signed request if the public probe fails")
	_ = probeCmd.MarkFlagRequired("address")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
