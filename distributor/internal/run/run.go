package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/airdrop/distributor/pkg/batch"
	"github.com/malbeclabs/airdrop/distributor/pkg/job"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/distributor/pkg/progress"
)

const (
	// NativeDecimals is the precision of SOL.
	NativeDecimals uint8 = 9
	// EstimatedFeePerTransfer is the lamports budgeted per transfer in the
	// pre-flight fee check. It covers an associated account creation.
	EstimatedFeePerTransfer uint64 = 30_000
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client ledger.Client

	InputPath  string
	KeyPath    string
	Passphrase string
	OutputDir  string

	Mint  *solana.PublicKey
	Mode  job.Mode
	Value decimal.Decimal

	Concurrency       int
	BatchSize         int
	MaxRetries        int
	MaxExpiredRetries int
	CheckBalance      bool

	// Resume reads the remaining-work checkpoint as input when it exists.
	Resume bool
	// DryRun logs the plan for each sender and sends nothing.
	DryRun bool

	BatchPause   time.Duration
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	ExpiredPause time.Duration
	Explorer     func(solana.Signature) string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.InputPath == "" {
		return errors.New("input path is required")
	}
	if cfg.KeyPath == "" {
		return errors.New("key path is required")
	}
	if !cfg.Value.IsPositive() {
		return &job.ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	if cfg.Mode == "" {
		cfg.Mode = job.ModeFixed
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Artifacts are the files written for one sender.
type Artifacts struct {
	Remaining string `json:"remaining"`
	Amounts   string `json:"amounts"`
	Retry     string `json:"retry"`
	Success   string `json:"success_log"`
	Failure   string `json:"failure_log"`
}

func (a Artifacts) store() progress.FileStoreConfig {
	return progress.FileStoreConfig{
		RemainingPath: a.Remaining,
		AmountsPath:   a.Amounts,
		RetryPath:     a.Retry,
		SuccessPath:   a.Success,
		FailurePath:   a.Failure,
	}
}

// Plan is what a sender is about to distribute.
type Plan struct {
	Sender     string          `json:"sender"`
	Asset      string          `json:"asset"`
	Input      string          `json:"input"`
	Recipients []job.Recipient `json:"-"`
	Count      int             `json:"recipients"`
	Total      string          `json:"total"`
	Balance    string          `json:"balance"`
	Rejected   []job.Rejection `json:"-"`
	Warnings   []string        `json:"warnings,omitempty"`
	Artifacts  Artifacts       `json:"artifacts"`

	job *job.Job
}

// SenderResult is the outcome for one sender.
type SenderResult struct {
	Plan    *Plan          `json:"plan,omitempty"`
	Skipped string         `json:"skipped,omitempty"`
	Summary *batch.Summary `json:"summary,omitempty"`
}

// Report is written to summary_<ts>.json at the end of an invocation.
type Report struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DryRun     bool            `json:"dry_run"`
	Senders    []*SenderResult `json:"senders"`
	Path       string          `json:"-"`
}

type Runner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Run distributes to the recipient list from every sender in the key file,
// one sender after another. A canceled ctx stops after the current sender.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	keys, err := LoadKeys(r.cfg.KeyPath, r.cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	asset := "SOL"
	if r.cfg.Mint != nil {
		asset = r.cfg.Mint.String()
	}
	r.log.Info("run: loaded senders", "count", len(keys), "asset", asset, "mode", r.cfg.Mode, "value", r.cfg.Value.String())

	decimals, err := r.decimals(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{StartedAt: r.cfg.Clock.Now().UTC(), DryRun: r.cfg.DryRun}
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		res, err := r.runSender(ctx, key, decimals, len(keys) > 1)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Warn("run: interrupted", "sender", key.PublicKey(), "error", err)
				break
			}
			return nil, fmt.Errorf("sender %s: %w", key.PublicKey(), err)
		}
		report.Senders = append(report.Senders, res)
		if res.Summary != nil && res.Summary.Interrupted {
			break
		}
	}
	report.FinishedAt = r.cfg.Clock.Now().UTC()

	if !r.cfg.DryRun {
		path, err := r.writeReport(report)
		if err != nil {
			return nil, err
		}
		report.Path = path
	}
	return report, nil
}

func (r *Runner) decimals(ctx context.Context) (uint8, error) {
	if r.cfg.Mint == nil {
		return NativeDecimals, nil
	}
	d, err := r.cfg.Client.Decimals(ctx, *r.cfg.Mint)
	if err != nil {
		return 0, fmt.Errorf("failed to get mint decimals: %w", err)
	}
	return d, nil
}

func (r *Runner) runSender(ctx context.Context, key solana.PrivateKey, decimals uint8, multi bool) (*SenderResult, error) {
	plan, skipped, err := r.plan(ctx, key, decimals, multi)
	if err != nil {
		return nil, err
	}
	if skipped != "" {
		r.log.Warn("run: skipping sender", "sender", key.PublicKey(), "reason", skipped)
		return &SenderResult{Plan: plan, Skipped: skipped}, nil
	}

	r.log.Info("run: plan",
		"sender", plan.Sender, "asset", plan.Asset, "input", plan.Input, "recipients", plan.Count,
		"rejected", len(plan.Rejected), "total", plan.Total, "balance", plan.Balance)
	for _, w := range plan.Warnings {
		r.log.Warn("run: pre-flight check", "sender", plan.Sender, "warning", w)
	}
	if r.cfg.DryRun {
		return &SenderResult{Plan: plan}, nil
	}

	store, err := progress.NewFileStore(plan.Artifacts.store())
	if err != nil {
		return nil, fmt.Errorf("failed to create progress store: %w", err)
	}
	coord, err := batch.NewCoordinator(batch.Config{
		Logger:       r.log.With("sender", plan.Sender),
		Clock:        r.cfg.Clock,
		Client:       r.cfg.Client,
		Store:        store,
		BatchPause:   r.cfg.BatchPause,
		BackoffBase:  r.cfg.BackoffBase,
		MaxBackoff:   r.cfg.MaxBackoff,
		ExpiredPause: r.cfg.ExpiredPause,
		Explorer:     r.cfg.Explorer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch coordinator: %w", err)
	}
	summary, err := coord.Run(ctx, plan.job, plan.Recipients)
	if err != nil {
		return nil, err
	}
	return &SenderResult{Plan: plan, Summary: summary}, nil
}

// plan loads the input for a sender and sizes every transfer. A non-empty
// skip reason means the sender has nothing to do.
func (r *Runner) plan(ctx context.Context, key solana.PrivateKey, decimals uint8, multi bool) (*Plan, string, error) {
	sender := key.PublicKey()
	j := &job.Job{
		Sender:            key,
		Mint:              r.cfg.Mint,
		Decimals:          decimals,
		Mode:              r.cfg.Mode,
		Value:             r.cfg.Value,
		Concurrency:       r.cfg.Concurrency,
		BatchSize:         r.cfg.BatchSize,
		MaxRetries:        r.cfg.MaxRetries,
		MaxExpiredRetries: r.cfg.MaxExpiredRetries,
		CheckBalance:      r.cfg.CheckBalance,
	}
	if err := j.Validate(); err != nil {
		return nil, "", err
	}

	plan := &Plan{
		Sender:    sender.String(),
		Asset:     j.Asset(),
		Input:     r.cfg.InputPath,
		Artifacts: r.artifacts(sender, multi),
		job:       j,
	}
	var planned map[solana.PublicKey]uint64
	if r.cfg.Resume {
		if _, err := os.Stat(plan.Artifacts.Remaining); err == nil {
			plan.Input = plan.Artifacts.Remaining
			r.log.Info("run: resuming from checkpoint", "sender", plan.Sender, "path", plan.Input)
			planned, err = progress.LoadAmounts(plan.Artifacts.Amounts)
			if err != nil {
				return nil, "", err
			}
			if planned == nil && j.Mode == job.ModePercent {
				r.log.Warn("run: checkpoint has no recorded amounts, recomputing from the current balance", "sender", plan.Sender)
			}
		}
	}

	in, err := job.LoadFile(plan.Input)
	if err != nil {
		return nil, "", err
	}
	for _, rej := range in.Rejected {
		r.log.Warn("run: skipping input entry", "entry", rej.Key, "reason", rej.Reason)
	}

	balance, err := r.cfg.Client.Balance(ctx, sender, r.cfg.Mint)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get sender balance: %w", err)
	}
	plan.Balance = job.FormatUnits(balance, decimals)
	if balance == 0 {
		return plan, "zero balance", nil
	}
	if len(in.Entries) == 0 {
		return plan, "no recipients", nil
	}

	recipients, rejected, err := allocate(in.Entries, j, balance, planned)
	if err != nil {
		return nil, "", err
	}
	for _, rej := range rejected {
		r.log.Warn("run: skipping recipient", "recipient", rej.Key, "reason", rej.Reason)
	}
	plan.Rejected = append(in.Rejected, rejected...)
	plan.Recipients = recipients
	plan.Count = len(recipients)
	if len(recipients) == 0 {
		return plan, "no recipient receives a non-zero amount", nil
	}

	total := job.Total(recipients)
	plan.Total = job.FormatDecimalUnits(total, decimals)
	warnings, err := r.preflight(ctx, sender, j, total, balance, len(recipients))
	if err != nil {
		return nil, "", err
	}
	plan.Warnings = warnings
	metrics.RecipientsRemaining.Set(float64(len(recipients)))
	return plan, "", nil
}

// preflight compares what the plan needs with what the sender holds. Shortfalls
// are warnings; the check-balance option fails individual transfers instead.
func (r *Runner) preflight(ctx context.Context, sender solana.PublicKey, j *job.Job, total decimal.Decimal, balance uint64, n int) ([]string, error) {
	var warnings []string
	fees := decimal.NewFromInt(int64(n)).Mul(decimal.NewFromInt(int64(EstimatedFeePerTransfer)))
	have := lamportsOf(balance)

	if j.Native() {
		if need := total.Add(fees); need.GreaterThan(have) {
			warnings = append(warnings, fmt.Sprintf("%s: need %s SOL including estimated fees, have %s",
				ledger.KindInsufficientBalance, job.FormatDecimalUnits(need, NativeDecimals), job.FormatUnits(balance, NativeDecimals)))
		}
		return warnings, nil
	}

	if total.GreaterThan(have) {
		warnings = append(warnings, fmt.Sprintf("%s: need %s tokens, have %s",
			ledger.KindInsufficientBalance, job.FormatDecimalUnits(total, j.Decimals), job.FormatUnits(balance, j.Decimals)))
	}
	lamports, err := r.cfg.Client.Balance(ctx, sender, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get fee payer balance: %w", err)
	}
	if have := lamportsOf(lamports); fees.GreaterThan(have) {
		warnings = append(warnings, fmt.Sprintf("estimated fees of %s SOL exceed SOL balance of %s",
			job.FormatDecimalUnits(fees, NativeDecimals), job.FormatUnits(lamports, NativeDecimals)))
	}
	return warnings, nil
}

// allocate sizes every entry. Entries with a planned amount from an earlier
// run keep it; the rest are sized from balance.
func allocate(entries []job.Entry, j *job.Job, balance uint64, planned map[solana.PublicKey]uint64) ([]job.Recipient, []job.Rejection, error) {
	if len(planned) == 0 {
		return job.Allocate(entries, j.Mode, j.Value, j.Decimals, balance, j.Native())
	}
	var fresh []job.Entry
	for _, e := range entries {
		if amt, ok := planned[e.Address]; !ok || amt == 0 {
			fresh = append(fresh, e)
		}
	}
	sized, rejected, err := job.Allocate(fresh, j.Mode, j.Value, j.Decimals, balance, j.Native())
	if err != nil {
		return nil, nil, err
	}
	byAddr := make(map[solana.PublicKey]job.Recipient, len(sized))
	for _, rcp := range sized {
		byAddr[rcp.Address] = rcp
	}
	out := make([]job.Recipient, 0, len(entries))
	for _, e := range entries {
		if amt := planned[e.Address]; amt > 0 {
			out = append(out, job.Recipient{Address: e.Address, Weight: e.Weight, Amount: amt})
		} else if rcp, ok := byAddr[e.Address]; ok {
			out = append(out, rcp)
		}
	}
	return out, rejected, nil
}

func lamportsOf(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// artifacts names the per-sender files. With several senders each file gets
// the first eight characters of the sender address as a suffix.
func (r *Runner) artifacts(sender solana.PublicKey, multi bool) Artifacts {
	suffix := ""
	if multi {
		suffix = "_" + sender.String()[:8]
	}
	path := func(name, ext string) string {
		return filepath.Join(r.cfg.OutputDir, name+suffix+ext)
	}
	return Artifacts{
		Remaining: path("holders_remaining", ".json"),
		Amounts:   path("holders_remaining", ".amounts.json"),
		Retry:     path("holders_retry", ".json"),
		Success:   path("success", ".csv"),
		Failure:   path("failure", ".csv"),
	}
}

func (r *Runner) writeReport(report *Report) (string, error) {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(r.cfg.OutputDir, "summary_"+report.FinishedAt.Format("20060102T150405Z")+".json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	r.log.Info("run: wrote summary", "path", path)
	return path, nil
}
