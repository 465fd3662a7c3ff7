package sol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

const (
	DefaultConfirmTimeout = 90 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

// RPC is the subset of the solana-go RPC client used by Client.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *solanarpc.SimulateTransactionOpts) (*solanarpc.SimulateTransactionResponse, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
	GetTokenSupply(ctx context.Context, tokenMint solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenSupplyResult, error)
	Close() error
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	RPC        RPC
	Commitment solanarpc.CommitmentType
	// ConfirmTimeout bounds AwaitConfirmation.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// RequestsPerSecond paces every RPC call. Zero means unpaced.
	RequestsPerSecond float64
	// ReadRetry governs retries of idempotent reads.
	ReadRetry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.ConfirmTimeout < 0 || cfg.PollInterval < 0 {
		return errors.New("confirmation timings must not be negative")
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadRetry.MaxAttempts == 0 {
		cfg.ReadRetry = retry.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cfg.ReadRetry.Clock = cfg.Clock
	return nil
}

// Client implements ledger.Client over Solana JSON-RPC.
type Client struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

var _ ledger.Client = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{log: cfg.Logger, cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// call paces and instruments a single RPC.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	start := time.Now()
	err := fn()
	metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	return err
}

// read runs an idempotent RPC with retries and tags the final error.
func (c *Client) read(ctx context.Context, method string, fn func() error) error {
	err := retry.Do(ctx, c.cfg.ReadRetry, func() error {
		return c.call(ctx, method, fn)
	})
	if err == nil {
		return nil
	}
	return readError(method, err)
}

func (c *Client) LatestCredential(ctx context.Context) (ledger.Credential, error) {
	var res *solanarpc.GetLatestBlockhashResult
	err := c.read(ctx, "getLatestBlockhash", func() error {
		var err error
		res, err = c.cfg.RPC.GetLatestBlockhash(ctx, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return ledger.Credential{}, err
	}
	if res == nil || res.Value == nil {
		return ledger.Credential{}, ledger.NewError(ledger.KindUnavailable, "getLatestBlockhash", errors.New("empty response"))
	}
	return ledger.Credential{
		Blockhash:            res.Value.Blockhash,
		LastValidBlockHeight: res.Value.LastValidBlockHeight,
	}, nil
}

func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	var res *solanarpc.GetAccountInfoResult
	err := retry.Do(ctx, c.cfg.ReadRetry, func() error {
		return c.call(ctx, "getAccountInfo", func() error {
			var err error
			res, err = c.cfg.RPC.GetAccountInfoWithOpts(ctx, account, &solanarpc.GetAccountInfoOpts{
				Commitment: c.cfg.Commitment,
			})
			return err
		})
	})
	if errors.Is(err, solanarpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, readError("getAccountInfo", err)
	}
	return res != nil && res.Value != nil, nil
}

// Simulate dry-runs an unsigned transaction. Signatures are zero-filled on a
// copy so the caller's transaction is left untouched.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) error {
	cp := *tx
	cp.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	var res *solanarpc.SimulateTransactionResponse
	err := c.call(ctx, "simulateTransaction", func() error {
		var err error
		res, err = c.cfg.RPC.SimulateTransactionWithOpts(ctx, &cp, &solanarpc.SimulateTransactionOpts{
			SigVerify:  false,
			Commitment: c.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return submitError("simulate", err)
	}
	if res == nil || res.Value == nil || res.Value.Err == nil {
		return nil
	}
	simErr := fmt.Errorf("%v", res.Value.Err)
	if len(res.Value.Logs) > 0 {
		c.log.Debug("sol: simulation failed", "error", simErr, "logs", res.Value.Logs)
	}
	return ledger.NewError(simulationKind(res.Value.Err), "simulate", simErr)
}

func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := c.call(ctx, "sendTransaction", func() error {
		var err error
		sig, err = c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: c.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, submitError("submit", err)
	}
	return sig, nil
}

// AwaitConfirmation polls the signature status until it reaches the configured
// commitment, fails on chain, outlives its blockhash or times out.
func (c *Client) AwaitConfirmation(ctx context.Context, sig solana.Signature, cred ledger.Credential) error {
	deadline := c.cfg.Clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		var res *solanarpc.GetSignatureStatusesResult
		err := c.call(ctx, "getSignatureStatuses", func() error {
			var err error
			res, err = c.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
			return err
		})
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Debug("sol: failed to get signature status", "signature", sig, "error", err)
		case res != nil && len(res.Value) > 0 && res.Value[0] != nil:
			st := res.Value[0]
			if st.Err != nil {
				return ledger.NewError(ledger.KindRejected, "confirm", fmt.Errorf("transaction %s failed: %v", sig, st.Err))
			}
			if c.reached(st.ConfirmationStatus) {
				return nil
			}
		}

		var height uint64
		err = c.call(ctx, "getBlockHeight", func() error {
			var err error
			height, err = c.cfg.RPC.GetBlockHeight(ctx, c.cfg.Commitment)
			return err
		})
		if err == nil && cred.LastValidBlockHeight > 0 && height > cred.LastValidBlockHeight {
			return ledger.NewError(ledger.KindExpiredCredential, "confirm",
				fmt.Errorf("block height %d exceeded last valid height %d", height, cred.LastValidBlockHeight))
		}

		if !c.cfg.Clock.Now().Before(deadline) {
			return ledger.NewError(ledger.KindTimeout, "confirm",
				fmt.Errorf("transaction %s not confirmed within %s", sig, c.cfg.ConfirmTimeout))
		}
		if err := retry.Sleep(ctx, c.cfg.Clock, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// Landed looks sig up including transaction history. A status that failed on
// chain or has not reached the configured commitment does not count.
func (c *Client) Landed(ctx context.Context, sig solana.Signature) (bool, error) {
	var res *solanarpc.GetSignatureStatusesResult
	err := c.read(ctx, "getSignatureStatuses", func() error {
		var err error
		res, err = c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return false, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}
	st := res.Value[0]
	return st.Err == nil && c.reached(st.ConfirmationStatus), nil
}

func (c *Client) reached(status solanarpc.ConfirmationStatusType) bool {
	switch status {
	case solanarpc.ConfirmationStatusFinalized:
		return true
	case solanarpc.ConfirmationStatusConfirmed:
		return c.cfg.Commitment != solanarpc.CommitmentFinalized
	case solanarpc.ConfirmationStatusProcessed:
		return c.cfg.Commitment == solanarpc.CommitmentProcessed
	}
	return false
}

func (c *Client) Balance(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) (uint64, error) {
	if mint == nil {
		var res *solanarpc.GetBalanceResult
		err := c.read(ctx, "getBalance", func() error {
			var err error
			res, err = c.cfg.RPC.GetBalance(ctx, owner, c.cfg.Commitment)
			return err
		})
		if err != nil {
			return 0, err
		}
		if res == nil {
			return 0, nil
		}
		return res.Value, nil
	}

	acct, err := ledger.ResolveAccount(ctx, c, owner, mint)
	if err != nil {
		return 0, err
	}
	if !acct.Exists {
		return 0, nil
	}
	var res *solanarpc.GetTokenAccountBalanceResult
	err = c.read(ctx, "getTokenAccountBalance", func() error {
		var err error
		res, err = c.cfg.RPC.GetTokenAccountBalance(ctx, acct.Address, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, err
	}
	if res == nil || res.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, ledger.NewError(ledger.KindInvalid, "getTokenAccountBalance", fmt.Errorf("failed to parse amount %q: %w", res.Value.Amount, err))
	}
	return amount, nil
}

func (c *Client) Decimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	var res *solanarpc.GetTokenSupplyResult
	err := c.read(ctx, "getTokenSupply", func() error {
		var err error
		res, err = c.cfg.RPC.GetTokenSupply(ctx, mint, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, err
	}
	if res == nil || res.Value == nil {
		return 0, ledger.NewError(ledger.KindInvalid, "getTokenSupply", fmt.Errorf("mint %s not found", mint))
	}
	return res.Value.Decimals, nil
}

func (c *Client) Close() error {
	return c.cfg.RPC.Close()
}
