package transfer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/airdrop/distributor/pkg/job"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger/ledgertest"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/distributor/pkg/policy"
	airdroptesting "github.com/malbeclabs/airdrop/utils/pkg/testing"
)

func newTestMachine(t *testing.T, client ledger.Client, mutate func(*Config)) *Machine {
	t.Helper()
	p, err := policy.New(policy.Config{MaxRetries: 5, BackoffBase: policy.NoDelay, ExpiredPause: policy.NoDelay})
	require.NoError(t, err)
	cfg := Config{
		Logger: airdroptesting.NewLogger(),
		Clock:  clockwork.NewRealClock(),
		Client: client,
		Policy: p,
		Sender: solana.NewWallet().PrivateKey,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewMachine(cfg)
	require.NoError(t, err)
	return m
}

func testRecipient(amount uint64) job.Recipient {
	return job.Recipient{Address: solana.NewWallet().PublicKey(), Weight: decimal.NewFromInt(1), Amount: amount}
}

func TestAirdrop_Transfer_NewMachine_Validate(t *testing.T) {
	t.Parallel()
	p, err := policy.New(policy.Config{})
	require.NoError(t, err)

	_, err = NewMachine(Config{Client: &ledgertest.Client{}, Policy: p, Sender: solana.NewWallet().PrivateKey})
	require.Error(t, err)
	_, err = NewMachine(Config{Logger: airdroptesting.NewLogger(), Policy: p, Sender: solana.NewWallet().PrivateKey})
	require.Error(t, err)
	_, err = NewMachine(Config{Logger: airdroptesting.NewLogger(), Client: &ledgertest.Client{}, Sender: solana.NewWallet().PrivateKey})
	require.Error(t, err)
	_, err = NewMachine(Config{Logger: airdroptesting.NewLogger(), Client: &ledgertest.Client{}, Policy: p})
	require.Error(t, err)
}

func TestAirdrop_Transfer_Run_Success(t *testing.T) {
	t.Parallel()

	client := &ledgertest.Client{}
	var mu sync.Mutex
	var path []State
	m := newTestMachine(t, client, func(cfg *Config) {
		cfg.OnTransition = func(_ Attempt, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			if len(path) == 0 {
				path = append(path, from)
			}
			path = append(path, to)
		}
	})

	r := testRecipient(1_000)
	a := m.Run(context.Background(), r)

	require.Equal(t, StatusSucceeded, a.Status)
	require.NoError(t, a.Err)
	require.Equal(t, 1, a.Attempts)
	require.Zero(t, a.ExpiredRetries)
	require.NotEqual(t, solana.Signature{}, a.Signature)
	require.Equal(t, 1, client.Submits())
	require.Equal(t, 1, client.SubmittedTo(r.Address))
	require.Equal(t, []State{
		StateBuild, StateSimulate, StateSign, StateSubmit, StateAwaitConfirmation, StateConfirmed,
	}, path)
}

func TestAirdrop_Transfer_Run_PermanentSimulationRejection(t *testing.T) {
	t.Parallel()

	client := &ledgertest.Client{
		SimulateFunc: func(context.Context, *solana.Transaction) error {
			return ledger.NewError(ledger.KindSimulationRejected, "simulate", errors.New("custom program error: 0x1"))
		},
	}
	m := newTestMachine(t, client, nil)

	a := m.Run(context.Background(), testRecipient(1_000))

	require.Equal(t, StatusFailed, a.Status)
	require.Equal(t, 1, a.Attempts)
	require.True(t, ledger.IsKind(a.Err, ledger.KindSimulationRejected))
	require.Equal(t, 1, client.Simulations())
	require.Zero(t, client.Submits())
}

func TestAirdrop_Transfer_Run_TransientSimulationRebuilds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	client := &ledgertest.Client{
		SimulateFunc: func(context.Context, *solana.Transaction) error {
			if calls.Add(1) == 1 {
				return ledger.NewError(ledger.KindSimulationTransient, "simulate", errors.New("AccountInUse"))
			}
			return nil
		},
	}
	m := newTestMachine(t, client, nil)

	a := m.Run(context.Background(), testRecipient(1_000))

	require.Equal(t, StatusSucceeded, a.Status)
	require.Equal(t, 2, a.Attempts)
	require.Equal(t, 2, client.Credentials())
	require.Equal(t, 1, client.Submits())
}

func TestAirdrop_Transfer_Run_ExpiredCredentialNotCounted(t *testing.T) {
	t.Parallel()

	const loops = 25
	var confirms atomic.Int64
	client := &ledgertest.Client{
		AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
			if confirms.Add(1) <= loops {
				return ledger.NewError(ledger.KindExpiredCredential, "confirm", errors.New("block height exceeded"))
			}
			return nil
		},
	}

	var retries atomic.Int64
	m := newTestMachine(t, client, func(cfg *Config) {
		cfg.OnTransition = func(a Attempt, from, to State) {
			if from == StateExpiredCredentialRetry {
				retries.Add(1)
				require.Zero(t, a.Attempts)
			}
		}
	})

	a := m.Run(context.Background(), testRecipient(1_000))

	require.Equal(t, StatusSucceeded, a.Status)
	require.Equal(t, 1, a.Attempts)
	require.Equal(t, loops, a.ExpiredRetries)
	require.EqualValues(t, loops, retries.Load())
	require.Equal(t, loops+1, client.Submits())
	require.Equal(t, loops+1, client.Credentials())
}

func TestAirdrop_Transfer_Run_ExpiredCredentialUnboundedNeverExhaustsBudget(t *testing.T) {
	t.Parallel()

	const loops = 200
	client := &ledgertest.Client{
		AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
			return ledger.NewError(ledger.KindExpiredCredential, "confirm", nil)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newTestMachine(t, client, func(cfg *Config) {
		cfg.OnTransition = func(a Attempt, from, to State) {
			if from == StateExpiredCredentialRetry {
				require.Zero(t, a.Attempts)
				if a.ExpiredRetries == loops {
					cancel()
				}
			}
		}
	})

	a := m.Run(ctx, testRecipient(1_000))

	require.Equal(t, StatusFailed, a.Status)
	require.ErrorIs(t, a.Err, context.Canceled)
	require.NotErrorIs(t, a.Err, ErrRetryBudgetExhausted)
	require.NotErrorIs(t, a.Err, ErrExpiryCapReached)
	require.Equal(t, loops, a.ExpiredRetries)
	require.Zero(t, a.Attempts)
}

func TestAirdrop_Transfer_Run_ExpiredCredentialCap(t *testing.T) {
	t.Parallel()

	client := &ledgertest.Client{
		AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
			return ledger.NewError(ledger.KindExpiredCredential, "confirm", nil)
		},
	}
	m := newTestMachine(t, client, func(cfg *Config) {
		cfg.MaxExpiredRetries = 10
	})

	a := m.Run(context.Background(), testRecipient(1_000))

	require.Equal(t, StatusFailed, a.Status)
	require.ErrorIs(t, a.Err, ErrExpiryCapReached)
	require.NotErrorIs(t, a.Err, ErrRetryBudgetExhausted)
	require.Zero(t, a.Attempts)
	require.Equal(t, 11, a.ExpiredRetries)
	require.Equal(t, 11, client.Submits())
}

func TestAirdrop_Transfer_Run_ConfirmationTimeoutExhaustsBudget(t *testing.T) {
	t.Parallel()

	client := &ledgertest.Client{
		AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
			return ledger.NewError(ledger.KindTimeout, "confirm", errors.New("not confirmed within 90s"))
		},
	}
	m := newTestMachine(t, client, nil)

	a := m.Run(context.Background(), testRecipient(1_000))

	require.Equal(t, StatusFailed, a.Status)
	require.ErrorIs(t, a.Err, ErrRetryBudgetExhausted)
	require.True(t, ledger.IsKind(a.Err, ledger.KindTimeout))
	require.Equal(t, 5, a.Attempts)
	require.Equal(t, 5, client.Submits())
}

func TestAirdrop_Transfer_Run_TransientSubmitRecovers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	client := &ledgertest.Client{
		SubmitFunc: func(context.Context, *solana.Transaction) (solana.Signature, error) {
			if calls.Add(1) <= 2 {
				return solana.Signature{}, ledger.NewError(ledger.KindUnavailable, "submit", errors.New("503 Service Unavailable"))
			}
			return solana.Signature{1}, nil
		},
	}
	m := newTestMachine(t, client, nil)

	a := m.Run(context.Background(), testRecipient(1_000))

	require.Equal(t, StatusSucceeded, a.Status)
	require.Equal(t, 3, a.Attempts)
	require.Equal(t, solana.Signature{1}, a.Signature)
	require.True(t, ledger.IsKind(a.LastErr, ledger.KindUnavailable))
}

func TestAirdrop_Transfer_Run_BackoffWaitsOnClock(t *testing.T) {
	t.Parallel()

	var confirms atomic.Int64
	client := &ledgertest.Client{
		AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
			if confirms.Add(1) == 1 {
				return ledger.NewError(ledger.KindTimeout, "confirm", nil)
			}
			return nil
		},
	}
	clock := clockwork.NewFakeClock()
	p, err := policy.New(policy.Config{MaxRetries: 5, BackoffBase: 2 * time.Second, ExpiredPause: policy.NoDelay})
	require.NoError(t, err)
	m := newTestMachine(t, client, func(cfg *Config) {
		cfg.Clock = clock
		cfg.Policy = p
	})

	done := make(chan *Attempt, 1)
	go func() { done <- m.Run(context.Background(), testRecipient(1_000)) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Equal(t, 1, client.Submits())
	clock.Advance(2 * time.Second)

	a := <-done
	require.Equal(t, StatusSucceeded, a.Status)
	require.Equal(t, 2, a.Attempts)
	require.Equal(t, 2, client.Submits())
}

func TestAirdrop_Transfer_Run_TokenCreatesMissingAccount(t *testing.T) {
	t.Parallel()

	mint := solana.NewWallet().PublicKey()
	r := testRecipient(1_000)
	ata, _, err := solana.FindAssociatedTokenAddress(r.Address, mint)
	require.NoError(t, err)

	for _, exists := range []bool{false, true} {
		var mu sync.Mutex
		var seen *solana.Transaction
		client := &ledgertest.Client{
			AccountExistsFunc: func(_ context.Context, account solana.PublicKey) (bool, error) {
				require.Equal(t, ata, account)
				return exists, nil
			},
			SimulateFunc: func(_ context.Context, tx *solana.Transaction) error {
				mu.Lock()
				defer mu.Unlock()
				seen = tx
				return nil
			},
		}
		m := newTestMachine(t, client, func(cfg *Config) {
			cfg.Mint = &mint
			cfg.Decimals = 6
		})

		a := m.Run(context.Background(), r)
		require.Equal(t, StatusSucceeded, a.Status)

		mu.Lock()
		tx := seen
		mu.Unlock()
		require.NotNil(t, tx)
		require.Equal(t, ata, ledgertest.Destination(tx))
		require.Equal(t, 1, client.SubmittedTo(ata))

		if exists {
			require.Len(t, tx.Message.Instructions, 1)
			continue
		}
		require.Len(t, tx.Message.Instructions, 2)
		first := tx.Message.Instructions[0]
		require.Equal(t, solana.SPLAssociatedTokenAccountProgramID, tx.Message.AccountKeys[first.ProgramIDIndex])
	}
}

func TestAirdrop_Transfer_Run_CheckBalance(t *testing.T) {
	t.Parallel()

	client := &ledgertest.Client{
		BalanceFunc: func(context.Context, solana.PublicKey, *solana.PublicKey) (uint64, error) {
			return 10_000, nil
		},
	}
	m := newTestMachine(t, client, func(cfg *Config) {
		cfg.CheckBalance = true
	})

	a := m.Run(context.Background(), testRecipient(6_000))
	require.Equal(t, StatusFailed, a.Status)
	require.True(t, ledger.IsKind(a.Err, ledger.KindInsufficientBalance))
	require.Equal(t, 1, a.Attempts)
	require.Zero(t, client.Credentials())
	require.Zero(t, client.Submits())

	a = m.Run(context.Background(), testRecipient(10_000-NativeFee))
	require.Equal(t, StatusSucceeded, a.Status)
}

func TestAirdrop_Transfer_Run_CanceledBeforeStart(t *testing.T) {
	t.Parallel()

	client := &ledgertest.Client{}
	m := newTestMachine(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := m.Run(ctx, testRecipient(1_000))

	require.Equal(t, StatusFailed, a.Status)
	require.ErrorIs(t, a.Err, context.Canceled)
	require.Zero(t, a.Attempts)
	require.Zero(t, client.Credentials())
}

func TestAirdrop_Transfer_Run_EarlierSubmissionLanded(t *testing.T) {
	t.Parallel()

	t.Run("submit outcome unknown", func(t *testing.T) {
		t.Parallel()
		var sent atomic.Value
		client := &ledgertest.Client{
			SubmitFunc: func(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
				sent.Store(tx.Signatures[0])
				return solana.Signature{}, ledger.NewError(ledger.KindUnavailable, "submit", errors.New("connection reset by peer"))
			},
			LandedFunc: func(_ context.Context, sig solana.Signature) (bool, error) {
				require.Equal(t, sent.Load(), sig)
				return true, nil
			},
		}
		m := newTestMachine(t, client, nil)

		a := m.Run(context.Background(), testRecipient(1_000))
		require.Equal(t, StatusSucceeded, a.Status)
		require.Equal(t, sent.Load(), a.Signature)
		require.Equal(t, 1, client.Submits())
		require.Equal(t, 1, client.Credentials())
	})

	t.Run("confirmation timed out", func(t *testing.T) {
		t.Parallel()
		client := &ledgertest.Client{
			AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
				return ledger.NewError(ledger.KindTimeout, "confirm", nil)
			},
			LandedFunc: func(context.Context, solana.Signature) (bool, error) { return true, nil },
		}
		m := newTestMachine(t, client, nil)

		a := m.Run(context.Background(), testRecipient(1_000))
		require.Equal(t, StatusSucceeded, a.Status)
		require.Equal(t, 1, client.Submits())
		require.Equal(t, 1, client.Lookups())
	})

	t.Run("not landed rebuilds", func(t *testing.T) {
		t.Parallel()
		var confirms atomic.Int64
		client := &ledgertest.Client{
			AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
				if confirms.Add(1) == 1 {
					return ledger.NewError(ledger.KindTimeout, "confirm", nil)
				}
				return nil
			},
			LandedFunc: func(context.Context, solana.Signature) (bool, error) {
				return false, ledger.NewError(ledger.KindUnavailable, "getSignatureStatuses", nil)
			},
		}
		m := newTestMachine(t, client, nil)

		a := m.Run(context.Background(), testRecipient(1_000))
		require.Equal(t, StatusSucceeded, a.Status)
		require.Equal(t, 2, a.Attempts)
		require.Equal(t, 2, client.Submits())
		require.Equal(t, 1, client.Lookups())
	})

	t.Run("expired and rejected outcomes are not looked up", func(t *testing.T) {
		t.Parallel()
		var confirms atomic.Int64
		client := &ledgertest.Client{
			AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
				if confirms.Add(1) == 1 {
					return ledger.NewError(ledger.KindExpiredCredential, "confirm", nil)
				}
				return ledger.NewError(ledger.KindRejected, "confirm", errors.New("instruction error"))
			},
		}
		m := newTestMachine(t, client, nil)

		a := m.Run(context.Background(), testRecipient(1_000))
		require.Equal(t, StatusFailed, a.Status)
		require.Zero(t, client.Lookups())
	})
}

func TestAirdrop_Transfer_Run_PermanentFailureIsNotARetry(t *testing.T) {
	t.Parallel()

	client := &ledgertest.Client{
		SimulateFunc: func(context.Context, *solana.Transaction) error {
			return ledger.NewError(ledger.KindInsufficientBalance, "simulate", nil)
		},
	}
	m := newTestMachine(t, client, nil)

	a := m.Run(context.Background(), testRecipient(1_000))
	require.Equal(t, StatusFailed, a.Status)
	require.Zero(t, testutil.ToFloat64(metrics.TransferRetriesTotal.WithLabelValues(policy.Permanent.String())))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAirdrop_Transfer_Run_ExpiredLogCountsTheUpcomingRebuild(t *testing.T) {
	t.Parallel()

	var confirms atomic.Int64
	client := &ledgertest.Client{
		AwaitConfirmationFunc: func(context.Context, solana.Signature, ledger.Credential) error {
			if confirms.Add(1) == 1 {
				return ledger.NewError(ledger.KindExpiredCredential, "confirm", nil)
			}
			return nil
		},
	}
	var out syncBuffer
	m := newTestMachine(t, client, func(cfg *Config) {
		cfg.Logger = slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})

	a := m.Run(context.Background(), testRecipient(1_000))
	require.Equal(t, StatusSucceeded, a.Status)
	require.Equal(t, 1, a.ExpiredRetries)

	var line string
	for _, l := range strings.Split(out.String(), "\n") {
		if strings.Contains(l, "credential expired") {
			line = l
		}
	}
	require.Contains(t, line, `"expired_retries":1`)
}
