package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"

	airdrop "github.com/malbeclabs/airdrop/distributor/internal/run"
	"github.com/malbeclabs/airdrop/distributor/pkg/batch"
	"github.com/malbeclabs/airdrop/distributor/pkg/job"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/distributor/pkg/policy"
	"github.com/malbeclabs/airdrop/distributor/pkg/sol"
	"github.com/malbeclabs/airdrop/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultRPCURL = "https://api.mainnet-beta.solana.com"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFileFlag := flag.String("log-file", "", "also write JSON logs to this file")
	envFileFlag := flag.String("env-file", ".env", "load environment variables from this file when it exists")
	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for prometheus metrics (empty disables)")

	// Ledger connection
	rpcURLFlag := flag.String("rpc-url", defaultRPCURL, "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	rpcRPSFlag := flag.Float64("rpc-rps", 0, "maximum RPC requests per second (0 = unlimited)")
	commitmentFlag := flag.String("commitment", string(solanarpc.CommitmentConfirmed), "commitment level awaited for each transfer (processed, confirmed, finalized)")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", sol.DefaultConfirmTimeout, "maximum time to await confirmation of a submitted transfer")
	pollIntervalFlag := flag.Duration("poll-interval", sol.DefaultPollInterval, "interval between signature status polls")

	// Job
	inputFlag := flag.String("input", "holders.json", "recipient list (JSON object or CSV)")
	keysFlag := flag.String("keys", "sender.json", "sender key file (or set AIRDROP_SENDER_KEY_FILE env var)")
	mintFlag := flag.String("mint", "", "token mint to distribute; empty sends SOL (or set AIRDROP_MINT env var)")
	modeFlag := flag.String("mode", string(job.ModeFixed), "amount mode: fixed (whole units per weight) or percent (of sender balance)")
	amountFlag := flag.String("amount", "", "amount per unit of weight in fixed mode, or percentage of balance in percent mode")
	outputDirFlag := flag.String("output-dir", ".", "directory for checkpoints, result logs and the run summary")
	resumeFlag := flag.Bool("resume", false, "resume from the remaining-work checkpoint when it exists")
	dryRunFlag := flag.Bool("dry-run", false, "print the plan without sending anything")
	checkBalanceFlag := flag.Bool("check-balance", false, "check the sender balance before each transfer")

	// Engine
	concurrencyFlag := flag.Int("concurrency", job.DefaultConcurrency, "maximum transfers in flight")
	batchSizeFlag := flag.Int("batch-size", job.DefaultBatchSize, "recipients per batch")
	maxRetriesFlag := flag.Int("max-retries", job.DefaultMaxRetries, "attempts per recipient for transient failures")
	maxExpiredRetriesFlag := flag.Int("max-expired-retries", job.DefaultMaxExpiredRetries, "rebuilds per recipient after an expired blockhash (0 = unbounded)")
	batchPauseFlag := flag.Duration("batch-pause", batch.DefaultBatchPause, "pause between batches (negative disables)")
	backoffBaseFlag := flag.Duration("backoff-base", policy.DefaultBackoffBase, "backoff unit between transient retries (negative disables)")
	maxBackoffFlag := flag.Duration("max-backoff", 0, "cap on the backoff between retries (0 = uncapped)")
	expiredPauseFlag := flag.Duration("expired-pause", policy.DefaultExpiredPause, "pause before rebuilding after an expired blockhash (negative disables)")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	var log *slog.Logger
	if *logFileFlag != "" {
		f, err := os.OpenFile(*logFileFlag, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		log = logger.NewWithFile(*verboseFlag, f)
	} else {
		log = logger.New(*verboseFlag)
	}

	// Override flags with environment variables if set
	if envRPCURL := os.Getenv("SOLANA_RPC_URL"); envRPCURL != "" {
		*rpcURLFlag = envRPCURL
	}
	if envKeys := os.Getenv("AIRDROP_SENDER_KEY_FILE"); envKeys != "" {
		*keysFlag = envKeys
	}
	if envMint := os.Getenv("AIRDROP_MINT"); envMint != "" {
		*mintFlag = envMint
	}
	passphrase := os.Getenv("AIRDROP_KEY_PASSPHRASE")

	mode, err := job.ParseMode(*modeFlag)
	if err != nil {
		return err
	}
	if *amountFlag == "" {
		return errors.New("--amount is required")
	}
	value, err := decimal.NewFromString(*amountFlag)
	if err != nil {
		return fmt.Errorf("invalid --amount %q: %w", *amountFlag, err)
	}
	var mint *solana.PublicKey
	if *mintFlag != "" {
		pk, err := solana.PublicKeyFromBase58(*mintFlag)
		if err != nil {
			return fmt.Errorf("invalid mint %q: %w", *mintFlag, err)
		}
		mint = &pk
	}
	commitment := solanarpc.CommitmentType(*commitmentFlag)
	switch commitment {
	case solanarpc.CommitmentProcessed, solanarpc.CommitmentConfirmed, solanarpc.CommitmentFinalized:
	default:
		return fmt.Errorf("invalid --commitment %q", *commitmentFlag)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized")
	}

	// Start metrics server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := sol.NewClient(sol.Config{
		Logger:            log,
		RPC:               solanarpc.New(*rpcURLFlag),
		Commitment:        commitment,
		ConfirmTimeout:    *confirmTimeoutFlag,
		PollInterval:      *pollIntervalFlag,
		RequestsPerSecond: *rpcRPSFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create solana client: %w", err)
	}
	defer client.Close()
	log.Info("solana client initialized", "rpc_url", *rpcURLFlag, "commitment", commitment)

	runner, err := airdrop.New(airdrop.Config{
		Logger:            log,
		Client:            client,
		InputPath:         *inputFlag,
		KeyPath:           *keysFlag,
		Passphrase:        passphrase,
		OutputDir:         *outputDirFlag,
		Mint:              mint,
		Mode:              mode,
		Value:             value,
		Concurrency:       *concurrencyFlag,
		BatchSize:         *batchSizeFlag,
		MaxRetries:        *maxRetriesFlag,
		MaxExpiredRetries: *maxExpiredRetriesFlag,
		CheckBalance:      *checkBalanceFlag,
		Resume:            *resumeFlag,
		DryRun:            *dryRunFlag,
		BatchPause:        *batchPauseFlag,
		BackoffBase:       *backoffBaseFlag,
		MaxBackoff:        *maxBackoffFlag,
		ExpiredPause:      *expiredPauseFlag,
		Explorer:          sol.ExplorerURL(*rpcURLFlag),
	})
	if err != nil {
		return err
	}

	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, s := range report.Senders {
		if s.Summary == nil {
			continue
		}
		failed += s.Summary.Counts.Failed
		if s.Summary.Interrupted {
			log.Warn("run interrupted; rerun with --resume to continue", "sender", s.Summary.Sender,
				"remaining", s.Summary.Counts.Remaining)
		}
	}
	if failed > 0 {
		log.Warn("some transfers failed; failed recipients were written to the retry list", "failed", failed)
	}
	return nil
}
