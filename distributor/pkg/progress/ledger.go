package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/airdrop/distributor/pkg/job"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
)

var (
	ErrUnknownRecipient = errors.New("recipient is not part of this run")
	ErrAlreadyRecorded  = errors.New("recipient already has a terminal outcome")
)

// SuccessRecord is one confirmed transfer.
type SuccessRecord struct {
	Recipient job.Recipient
	Signature solana.Signature
	At        time.Time
}

// FailureRecord is one terminally failed transfer.
type FailureRecord struct {
	Recipient job.Recipient
	Reason    string
	At        time.Time
}

// Store is the durable side of the ledger.
type Store interface {
	// SaveRemaining overwrites the remaining-work checkpoint.
	SaveRemaining(rs []job.Recipient) error
	// SaveRetry writes the retry-ready list of failed recipients.
	SaveRetry(rs []job.Recipient) error
	AppendSuccess(rec SuccessRecord) error
	AppendFailure(rec FailureRecord) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Failure pairs a failed recipient with its terminal reason.
type Failure struct {
	Recipient job.Recipient
	Reason    string
}

// Ledger tracks the terminal outcome of every recipient in a run. Each
// recipient is in exactly one of succeeded, failed or remaining, and an
// outcome once recorded is never retracted.
type Ledger struct {
	log *slog.Logger
	cfg Config

	mu        sync.Mutex
	universe  []job.Recipient
	index     map[solana.PublicKey]int
	succeeded map[solana.PublicKey]solana.Signature
	failed    map[solana.PublicKey]string
}

func NewLedger(cfg Config, recipients []job.Recipient) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	index := make(map[solana.PublicKey]int, len(recipients))
	for i, r := range recipients {
		if _, dup := index[r.Address]; dup {
			return nil, fmt.Errorf("duplicate recipient %s", r.Address)
		}
		index[r.Address] = i
	}
	return &Ledger{
		log:       cfg.Logger,
		cfg:       cfg,
		universe:  append([]job.Recipient(nil), recipients...),
		index:     index,
		succeeded: make(map[solana.PublicKey]solana.Signature),
		failed:    make(map[solana.PublicKey]string),
	}, nil
}

func (l *Ledger) RecordSuccess(addr solana.PublicKey, sig solana.Signature) error {
	l.mu.Lock()
	r, err := l.claim(addr)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.succeeded[addr] = sig
	l.mu.Unlock()

	rec := SuccessRecord{Recipient: r, Signature: sig, At: l.cfg.Clock.Now()}
	if err := l.cfg.Store.AppendSuccess(rec); err != nil {
		l.log.Warn("progress: failed to append success record", "recipient", addr, "signature", sig, "error", err)
	}
	return nil
}

func (l *Ledger) RecordFailure(addr solana.PublicKey, reason string) error {
	l.mu.Lock()
	r, err := l.claim(addr)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.failed[addr] = reason
	l.mu.Unlock()

	rec := FailureRecord{Recipient: r, Reason: reason, At: l.cfg.Clock.Now()}
	if err := l.cfg.Store.AppendFailure(rec); err != nil {
		l.log.Warn("progress: failed to append failure record", "recipient", addr, "error", err)
	}
	return nil
}

// claim must be called with mu held.
func (l *Ledger) claim(addr solana.PublicKey) (job.Recipient, error) {
	i, ok := l.index[addr]
	if !ok {
		return job.Recipient{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, addr)
	}
	if _, done := l.succeeded[addr]; done {
		return job.Recipient{}, fmt.Errorf("%w: %s", ErrAlreadyRecorded, addr)
	}
	if _, done := l.failed[addr]; done {
		return job.Recipient{}, fmt.Errorf("%w: %s", ErrAlreadyRecorded, addr)
	}
	return l.universe[i], nil
}

// Terminal reports whether addr already has an outcome.
func (l *Ledger) Terminal(addr solana.PublicKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, s := l.succeeded[addr]
	_, f := l.failed[addr]
	return s || f
}

// SnapshotRemaining returns every recipient not yet succeeded, in input order.
// Failed recipients are included so a resumed run tries them again.
func (l *Ledger) SnapshotRemaining() []job.Recipient {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]job.Recipient, 0, len(l.universe)-len(l.succeeded))
	for _, r := range l.universe {
		if _, ok := l.succeeded[r.Address]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Failures returns failed recipients with their reasons, in input order.
func (l *Ledger) Failures() []Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Failure, 0, len(l.failed))
	for _, r := range l.universe {
		if reason, ok := l.failed[r.Address]; ok {
			out = append(out, Failure{Recipient: r, Reason: reason})
		}
	}
	return out
}

func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Counts{
		Total:     len(l.universe),
		Succeeded: len(l.succeeded),
		Failed:    len(l.failed),
		Remaining: len(l.universe) - len(l.succeeded) - len(l.failed),
	}
}

// Persist overwrites the remaining-work checkpoint. It is safe to call repeatedly.
func (l *Ledger) Persist() error {
	snapshot := l.SnapshotRemaining()
	if err := l.cfg.Store.SaveRemaining(snapshot); err != nil {
		metrics.CheckpointWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	metrics.CheckpointWritesTotal.WithLabelValues("success").Inc()
	metrics.RecipientsRemaining.Set(float64(len(snapshot)))
	l.log.Debug("progress: checkpoint persisted", "remaining", len(snapshot))
	return nil
}

// Finalize persists the final checkpoint and, when any recipient failed,
// writes the retry-ready list.
func (l *Ledger) Finalize() error {
	if err := l.Persist(); err != nil {
		return err
	}
	failures := l.Failures()
	if len(failures) == 0 {
		return nil
	}
	rs := make([]job.Recipient, len(failures))
	for i, f := range failures {
		rs[i] = f.Recipient
	}
	if err := l.cfg.Store.SaveRetry(rs); err != nil {
		return fmt.Errorf("failed to write retry list: %w", err)
	}
	l.log.Info("progress: retry list written", "failed", len(rs))
	return nil
}
