package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/airdrop/distributor/pkg/job"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/distributor/pkg/policy"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

var (
	// ErrRetryBudgetExhausted is returned when the counted retry budget runs out on a transient failure.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrExpiryCapReached is returned when a recipient rebuilt after expired credentials too many times.
	ErrExpiryCapReached = errors.New("expired credential retry cap reached")
)

type State int

const (
	StateBuild State = iota
	StateSimulate
	StateSign
	StateSubmit
	StateAwaitConfirmation
	StateExpiredCredentialRetry
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuild:
		return "build"
	case StateSimulate:
		return "simulate"
	case StateSign:
		return "sign"
	case StateSubmit:
		return "submit"
	case StateAwaitConfirmation:
		return "await_confirmation"
	case StateExpiredCredentialRetry:
		return "expired_credential_retry"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Attempt is the per-recipient record of one run through the machine.
type Attempt struct {
	Recipient job.Recipient
	// Attempts counts budgeted builds. Rebuilds after an expired credential are not counted.
	Attempts       int
	ExpiredRetries int
	LastErr        error
	Status         Status
	Signature      solana.Signature
	// Err is the terminal error when Status is StatusFailed.
	Err     error
	Elapsed time.Duration
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client ledger.Client
	Policy *policy.Policy
	Sender solana.PrivateKey
	// Mint is nil for native transfers.
	Mint     *solana.PublicKey
	Decimals uint8
	// MaxExpiredRetries caps expired credential rebuilds. Zero means unbounded.
	MaxExpiredRetries int
	CheckBalance      bool
	// Explorer optionally renders a link to a confirmed signature.
	Explorer func(solana.Signature) string
	// OnTransition is called on every state change with a copy of the attempt.
	OnTransition func(a Attempt, from, to State)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Policy == nil {
		return errors.New("retry policy is required")
	}
	if len(cfg.Sender) != 64 {
		return errors.New("sender private key is required")
	}
	if cfg.MaxExpiredRetries < 0 {
		return errors.New("max expired retries must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Machine drives single recipient transfers to a terminal state. It holds no
// per-recipient state and is safe for concurrent use.
type Machine struct {
	log    *slog.Logger
	cfg    Config
	sender solana.PrivateKey

	senderTokenAccount solana.PublicKey
}

func NewMachine(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		log:    cfg.Logger,
		cfg:    cfg,
		sender: cfg.Sender,
	}
	if cfg.Mint != nil {
		ata, _, err := solana.FindAssociatedTokenAddress(cfg.Sender.PublicKey(), *cfg.Mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive sender token account: %w", err)
		}
		m.senderTokenAccount = ata
	}
	return m, nil
}

// Run drives r through build, simulate, sign, submit and confirmation until it
// is confirmed or fails. It never returns nil.
func (m *Machine) Run(ctx context.Context, r job.Recipient) *Attempt {
	span := sentry.StartSpan(ctx, "airdrop.transfer", sentry.WithDescription(fmt.Sprintf("transfer %s", r.Address)))
	span.SetTag("recipient", r.Address.String())
	span.SetData("amount", r.Amount)
	ctx = span.Context()
	defer span.Finish()

	metrics.TransfersInFlight.Inc()
	defer metrics.TransfersInFlight.Dec()

	start := m.cfg.Clock.Now()
	a := &Attempt{Recipient: r, Status: StatusPending}

	var (
		tx        *solana.Transaction
		cred      ledger.Credential
		submitted time.Time
	)
	state := StateBuild
	for {
		var next State
		switch state {
		case StateBuild:
			if err := ctx.Err(); err != nil {
				next = m.fail(a, err)
				break
			}
			a.Attempts++
			var err error
			tx, cred, err = m.build(ctx, r)
			if err != nil {
				next = m.handle(ctx, a, state, err)
				break
			}
			next = StateSimulate

		case StateSimulate:
			if err := m.cfg.Client.Simulate(ctx, tx); err != nil {
				next = m.handle(ctx, a, state, err)
				break
			}
			next = StateSign

		case StateSign:
			if err := m.sign(tx); err != nil {
				next = m.fail(a, err)
				break
			}
			next = StateSubmit

		case StateSubmit:
			sig, err := m.cfg.Client.Submit(ctx, tx)
			if err != nil {
				if m.landed(ctx, a, tx.Signatures[0], err) {
					next = StateConfirmed
					break
				}
				next = m.handle(ctx, a, state, err)
				break
			}
			a.Signature = sig
			submitted = m.cfg.Clock.Now()
			next = StateAwaitConfirmation

		case StateAwaitConfirmation:
			if err := m.cfg.Client.AwaitConfirmation(ctx, a.Signature, cred); err != nil {
				if m.landed(ctx, a, a.Signature, err) {
					next = StateConfirmed
					break
				}
				next = m.handle(ctx, a, state, err)
				break
			}
			metrics.ConfirmationDuration.Observe(m.cfg.Clock.Since(submitted).Seconds())
			next = StateConfirmed

		case StateExpiredCredentialRetry:
			a.Attempts--
			a.ExpiredRetries++
			if m.cfg.MaxExpiredRetries > 0 && a.ExpiredRetries > m.cfg.MaxExpiredRetries {
				next = m.fail(a, fmt.Errorf("%w after %d rebuilds: %w", ErrExpiryCapReached, m.cfg.MaxExpiredRetries, a.LastErr))
				break
			}
			if err := retry.Sleep(ctx, m.cfg.Clock, m.cfg.Policy.ExpiredPause()); err != nil {
				next = m.fail(a, err)
				break
			}
			next = StateBuild

		case StateConfirmed:
			a.Status = StatusSucceeded
			a.Elapsed = m.cfg.Clock.Since(start)
			m.finish(span, a)
			return a

		case StateFailed:
			a.Status = StatusFailed
			a.Elapsed = m.cfg.Clock.Since(start)
			m.finish(span, a)
			return a
		}

		if m.cfg.OnTransition != nil {
			m.cfg.OnTransition(*a, state, next)
		}
		state = next
	}
}

// handle classifies a failed step and picks the next state.
func (m *Machine) handle(ctx context.Context, a *Attempt, state State, err error) State {
	a.LastErr = err
	class := m.cfg.Policy.Classify(err)
	if class != policy.Permanent {
		metrics.TransferRetriesTotal.WithLabelValues(class.String()).Inc()
	}

	switch class {
	case policy.TransientExpiredCredential:
		m.log.Debug("transfer: credential expired, rebuilding",
			"recipient", a.Recipient.Address, "step", state, "expired_retries", a.ExpiredRetries+1, "error", err)
		return StateExpiredCredentialRetry

	case policy.TransientOther:
		if a.Attempts >= m.cfg.Policy.MaxRetries() {
			return m.fail(a, fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, a.Attempts, err))
		}
		delay := m.cfg.Policy.BackoffDelay(a.Attempts)
		m.log.Warn("transfer: transient failure, retrying",
			"recipient", a.Recipient.Address, "step", state, "attempt", a.Attempts, "delay", delay, "error", err)
		if serr := retry.Sleep(ctx, m.cfg.Clock, delay); serr != nil {
			return m.fail(a, serr)
		}
		return StateBuild

	default:
		return m.fail(a, err)
	}
}

// landed checks whether a submission whose outcome is unknown made it on chain
// anyway, so that it is not paid a second time by a rebuilt transaction.
func (m *Machine) landed(ctx context.Context, a *Attempt, sig solana.Signature, err error) bool {
	switch ledger.KindOf(err) {
	case ledger.KindUnavailable, ledger.KindTimeout:
	default:
		return false
	}
	if sig == (solana.Signature{}) || ctx.Err() != nil {
		return false
	}
	ok, lerr := m.cfg.Client.Landed(ctx, sig)
	if lerr != nil {
		m.log.Debug("transfer: failed to look up earlier submission", "recipient", a.Recipient.Address, "signature", sig, "error", lerr)
		return false
	}
	if !ok {
		return false
	}
	a.Signature = sig
	m.log.Info("transfer: earlier submission landed", "recipient", a.Recipient.Address, "signature", sig, "error", err)
	return true
}

func (m *Machine) fail(a *Attempt, err error) State {
	a.Err = err
	if a.LastErr == nil {
		a.LastErr = err
	}
	return StateFailed
}

func (m *Machine) finish(span *sentry.Span, a *Attempt) {
	span.SetData("attempts", a.Attempts)
	span.SetData("expired_retries", a.ExpiredRetries)
	metrics.TransferDuration.Observe(a.Elapsed.Seconds())
	metrics.TransfersTotal.WithLabelValues(a.Status.String()).Inc()

	addr := a.Recipient.Address
	if a.Status == StatusSucceeded {
		span.Status = sentry.SpanStatusOK
		m.log.Info("transfer: confirmed",
			"recipient", addr, "amount", a.Recipient.Amount, "signature", a.Signature,
			"attempts", a.Attempts, "expired_retries", a.ExpiredRetries)
		if m.cfg.Explorer != nil {
			m.log.Debug("transfer: explorer", "recipient", addr, "url", m.cfg.Explorer(a.Signature))
		}
		return
	}

	if errors.Is(a.Err, context.Canceled) || errors.Is(a.Err, context.DeadlineExceeded) {
		span.Status = sentry.SpanStatusCanceled
		m.log.Debug("transfer: canceled", "recipient", addr, "attempts", a.Attempts)
		return
	}
	span.Status = sentry.SpanStatusInternalError
	m.log.Error("transfer: failed",
		"recipient", addr, "amount", a.Recipient.Amount, "attempts", a.Attempts,
		"expired_retries", a.ExpiredRetries, "error", a.Err)
}
