package job

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const (
	DefaultConcurrency       = 5
	DefaultBatchSize         = 50
	DefaultMaxRetries        = 5
	DefaultMaxExpiredRetries = 50
)

// Mode selects how a recipient's quantity is derived from its weight.
type Mode string

const (
	// ModeFixed sends weight × value whole units.
	ModeFixed Mode = "fixed"
	// ModePercent sends weight × (value% of the sender balance) base units.
	ModePercent Mode = "percent"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFixed, ModePercent:
		return Mode(s), nil
	}
	return "", &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q, want fixed or percent", s)}
}

// ValidationError rejects a job parameter or input entry before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Entry is one row of the job input: who receives and their weight.
type Entry struct {
	Address solana.PublicKey
	Weight  decimal.Decimal
}

// Recipient is an entry with its quantity resolved to base units.
type Recipient struct {
	Address solana.PublicKey
	Weight  decimal.Decimal
	Amount  uint64
}

func (r Recipient) Entry() Entry {
	return Entry{Address: r.Address, Weight: r.Weight}
}

// Job holds the parameters of one sender's run. It is read-only once validated.
type Job struct {
	Sender   solana.PrivateKey
	Mint     *solana.PublicKey
	Decimals uint8
	Mode     Mode
	Value    decimal.Decimal

	Concurrency int
	BatchSize   int
	MaxRetries  int
	// MaxExpiredRetries caps rebuilds after an expired credential per recipient. Zero means unbounded.
	MaxExpiredRetries int
	// CheckBalance fails a transfer when the sender cannot cover it at build time.
	CheckBalance bool
}

func (j *Job) Validate() error {
	if len(j.Sender) != 64 {
		return &ValidationError{Field: "sender", Reason: "a 64-byte private key is required"}
	}
	if j.Mode == "" {
		j.Mode = ModeFixed
	}
	if _, err := ParseMode(string(j.Mode)); err != nil {
		return err
	}
	if !j.Value.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	if j.Mode == ModePercent && j.Value.GreaterThan(decimal.NewFromInt(100)) {
		return &ValidationError{Field: "amount", Reason: "percentage must not exceed 100"}
	}
	if j.Concurrency < 0 {
		return &ValidationError{Field: "concurrency", Reason: "must not be negative"}
	}
	if j.BatchSize < 0 {
		return &ValidationError{Field: "batch size", Reason: "must not be negative"}
	}
	if j.MaxRetries < 0 {
		return &ValidationError{Field: "max retries", Reason: "must not be negative"}
	}
	if j.MaxExpiredRetries < 0 {
		return &ValidationError{Field: "max expired retries", Reason: "must not be negative"}
	}
	if j.Concurrency == 0 {
		j.Concurrency = DefaultConcurrency
	}
	if j.BatchSize == 0 {
		j.BatchSize = DefaultBatchSize
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = DefaultMaxRetries
	}
	return nil
}

func (j *Job) SenderAddress() solana.PublicKey {
	return j.Sender.PublicKey()
}

// Native reports whether the job moves the native coin rather than a token.
func (j *Job) Native() bool {
	return j.Mint == nil
}

// Asset returns a printable name for what the job sends.
func (j *Job) Asset() string {
	if j.Mint == nil {
		return "SOL"
	}
	return j.Mint.String()
}
