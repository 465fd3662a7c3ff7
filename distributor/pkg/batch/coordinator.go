package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/airdrop/distributor/pkg/dispatch"
	"github.com/malbeclabs/airdrop/distributor/pkg/job"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/distributor/pkg/policy"
	"github.com/malbeclabs/airdrop/distributor/pkg/progress"
	"github.com/malbeclabs/airdrop/distributor/pkg/transfer"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

const DefaultBatchPause = 3 * time.Second

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client ledger.Client
	Store  progress.Store

	// BatchPause is slept between batches. Zero selects DefaultBatchPause and
	// policy.NoDelay disables the pause. The retry waits follow the same rule.
	BatchPause   time.Duration
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	ExpiredPause time.Duration

	// Explorer optionally renders a link to a confirmed signature.
	Explorer func(solana.Signature) string
	// OnBatchDone is called after each batch has been folded and persisted.
	OnBatchDone func(Report)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Store == nil {
		return errors.New("progress store is required")
	}
	if cfg.MaxBackoff < 0 {
		return errors.New("max backoff must not be negative")
	}
	cfg.BatchPause = policy.Delay(cfg.BatchPause, DefaultBatchPause)
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Report describes one finished batch.
type Report struct {
	Index     int
	Batches   int
	Size      int
	Succeeded int
	Failed    int
	Remaining int
}

// FailureSummary is a failed recipient as reported at the end of a run.
type FailureSummary struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	Reason  string `json:"reason"`
}

// Summary is the aggregate outcome of a run.
type Summary struct {
	RunID       string           `json:"run_id"`
	Sender      string           `json:"sender"`
	Asset       string           `json:"asset"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Elapsed     time.Duration    `json:"-"`
	ElapsedSecs float64          `json:"elapsed_seconds"`
	Batches     int              `json:"batches"`
	Counts      progress.Counts  `json:"counts"`
	Interrupted bool             `json:"interrupted"`
	Failures    []FailureSummary `json:"failures,omitempty"`
}

type Coordinator struct {
	log *slog.Logger
	cfg Config
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{log: cfg.Logger, cfg: cfg}, nil
}

// Run distributes to recipients batch by batch. Batches run strictly one after
// another and progress is persisted before and after each. Per-recipient
// failures are recorded and never abort the run; only invalid job parameters
// and checkpoint write failures are returned as errors. A canceled ctx stops
// the run after the in-flight batch and yields an interrupted summary.
func (c *Coordinator) Run(ctx context.Context, j *job.Job, recipients []job.Recipient) (*Summary, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, &job.ValidationError{Field: "recipients", Reason: "no valid recipients"}
	}

	p, err := policy.New(policy.Config{
		MaxRetries:   j.MaxRetries,
		BackoffBase:  c.cfg.BackoffBase,
		MaxBackoff:   c.cfg.MaxBackoff,
		ExpiredPause: c.cfg.ExpiredPause,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retry policy: %w", err)
	}
	machine, err := transfer.NewMachine(transfer.Config{
		Logger:            c.log,
		Clock:             c.cfg.Clock,
		Client:            c.cfg.Client,
		Policy:            p,
		Sender:            j.Sender,
		Mint:              j.Mint,
		Decimals:          j.Decimals,
		MaxExpiredRetries: j.MaxExpiredRetries,
		CheckBalance:      j.CheckBalance,
		Explorer:          c.cfg.Explorer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer machine: %w", err)
	}
	tracker, err := progress.NewLedger(progress.Config{
		Logger: c.log,
		Clock:  c.cfg.Clock,
		Store:  c.cfg.Store,
	}, recipients)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress ledger: %w", err)
	}

	summary := &Summary{
		RunID:     uuid.New().String(),
		Sender:    j.SenderAddress().String(),
		Asset:     j.Asset(),
		StartedAt: c.cfg.Clock.Now().UTC(),
	}
	batches := chunk(recipients, j.BatchSize)
	c.log.Info("batch: starting run",
		"run_id", summary.RunID, "sender", summary.Sender, "asset", summary.Asset,
		"recipients", len(recipients), "batches", len(batches),
		"batch_size", j.BatchSize, "concurrency", j.Concurrency)

	for i, b := range batches {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		if err := tracker.Persist(); err != nil {
			return nil, err
		}

		pending := make([]job.Recipient, 0, len(b))
		for _, r := range b {
			if !tracker.Terminal(r.Address) {
				pending = append(pending, r)
			}
		}
		c.log.Info("batch: started", "batch", i+1, "of", len(batches), "size", len(pending))

		report := Report{Index: i + 1, Batches: len(batches), Size: len(pending)}
		dispatch.RunBounded(ctx, pending, j.Concurrency,
			func(ctx context.Context, r job.Recipient) (*transfer.Attempt, error) {
				return machine.Run(ctx, r), nil
			},
			func(o dispatch.Outcome[job.Recipient, *transfer.Attempt]) {
				switch c.fold(ctx, tracker, o) {
				case transfer.StatusSucceeded:
					report.Succeeded++
				case transfer.StatusFailed:
					report.Failed++
				}
			},
		)

		if err := tracker.Persist(); err != nil {
			return nil, err
		}
		summary.Batches++
		metrics.BatchesTotal.Inc()

		counts := tracker.Counts()
		report.Remaining = counts.Remaining
		c.log.Info("batch: completed",
			"batch", i+1, "of", len(batches), "succeeded", report.Succeeded, "failed", report.Failed,
			"total_succeeded", counts.Succeeded, "total_failed", counts.Failed, "remaining", counts.Remaining)
		if c.cfg.OnBatchDone != nil {
			c.cfg.OnBatchDone(report)
		}

		if i < len(batches)-1 {
			if err := retry.Sleep(ctx, c.cfg.Clock, c.cfg.BatchPause); err != nil {
				summary.Interrupted = true
				break
			}
		}
	}
	if ctx.Err() != nil {
		summary.Interrupted = true
	}

	if err := tracker.Finalize(); err != nil {
		return nil, err
	}

	summary.FinishedAt = c.cfg.Clock.Now().UTC()
	summary.Elapsed = summary.FinishedAt.Sub(summary.StartedAt)
	summary.ElapsedSecs = summary.Elapsed.Seconds()
	summary.Counts = tracker.Counts()
	for _, f := range tracker.Failures() {
		summary.Failures = append(summary.Failures, FailureSummary{
			Address: f.Recipient.Address.String(),
			Amount:  f.Recipient.Amount,
			Reason:  f.Reason,
		})
	}

	c.log.Info("batch: run finished",
		"run_id", summary.RunID, "succeeded", summary.Counts.Succeeded, "failed", summary.Counts.Failed,
		"remaining", summary.Counts.Remaining, "batches", summary.Batches,
		"elapsed", summary.Elapsed, "interrupted", summary.Interrupted)
	return summary, nil
}

// fold records one outcome. Outcomes cut short by cancellation are left
// unrecorded so the recipient stays in the remaining set.
func (c *Coordinator) fold(ctx context.Context, tracker *progress.Ledger, o dispatch.Outcome[job.Recipient, *transfer.Attempt]) transfer.Status {
	addr := o.Item.Address

	var err error
	switch {
	case o.Err != nil:
		if ctx.Err() != nil && isContextErr(o.Err) {
			return transfer.StatusPending
		}
		err = tracker.RecordFailure(addr, o.Err.Error())
	case o.Result.Status == transfer.StatusSucceeded:
		if err := tracker.RecordSuccess(addr, o.Result.Signature); err != nil {
			c.log.Warn("batch: failed to record success", "recipient", addr, "error", err)
		}
		return transfer.StatusSucceeded
	default:
		if ctx.Err() != nil && isContextErr(o.Result.Err) {
			return transfer.StatusPending
		}
		err = tracker.RecordFailure(addr, reason(o.Result.Err))
	}
	if err != nil {
		c.log.Warn("batch: failed to record failure", "recipient", addr, "error", err)
	}
	return transfer.StatusFailed
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func reason(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func chunk(rs []job.Recipient, size int) [][]job.Recipient {
	if size < 1 {
		size = 1
	}
	out := make([][]job.Recipient, 0, (len(rs)+size-1)/size)
	for start := 0; start < len(rs); start += size {
		end := min(start+size, len(rs))
		out = append(out, rs[start:end])
	}
	return out
}
