package policy

import (
	"context"
	"errors"
	"time"

	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

const (
	DefaultMaxRetries   = 5
	DefaultBackoffBase  = 2 * time.Second
	DefaultExpiredPause = 500 * time.Millisecond

	// NoDelay disables a wait. A zero duration selects the default instead.
	NoDelay time.Duration = -1
)

// Class is the retry disposition of a failed attempt.
type Class int

const (
	Permanent Class = iota
	TransientExpiredCredential
	TransientOther
)

func (c Class) String() string {
	switch c {
	case TransientExpiredCredential:
		return "transient_expired_credential"
	case TransientOther:
		return "transient_other"
	default:
		return "permanent"
	}
}

type Config struct {
	// MaxRetries is the budget of counted attempts per recipient.
	MaxRetries int
	// BackoffBase is multiplied by the attempt number to get the delay before
	// the next counted attempt. Zero selects DefaultBackoffBase, NoDelay none.
	BackoffBase time.Duration
	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration
	// ExpiredPause is the fixed delay before rebuilding after an expired
	// credential. Zero selects DefaultExpiredPause, NoDelay none.
	ExpiredPause time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if cfg.MaxBackoff < 0 {
		return errors.New("max backoff must not be negative")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	cfg.BackoffBase = Delay(cfg.BackoffBase, DefaultBackoffBase)
	cfg.ExpiredPause = Delay(cfg.ExpiredPause, DefaultExpiredPause)
	return nil
}

// Delay resolves a configured wait: zero is def, negative is no wait.
func Delay(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	}
	return d
}

type Policy struct {
	cfg Config
}

func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

// Classify maps a failure to its retry class. Tagged ledger errors are
// classified by kind; untagged errors fall back to network heuristics.
func (p *Policy) Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}

	var le *ledger.Error
	if errors.As(err, &le) {
		switch le.Kind {
		case ledger.KindExpiredCredential:
			return TransientExpiredCredential
		case ledger.KindTimeout, ledger.KindUnavailable, ledger.KindSimulationTransient, ledger.KindUnknown:
			return TransientOther
		default:
			return Permanent
		}
	}

	if retry.IsRetryable(err) {
		return TransientOther
	}
	return Permanent
}

// BackoffDelay returns the delay before attempt n+1 after n counted attempts.
// It is linear in n and never decreases.
func (p *Policy) BackoffDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.cfg.BackoffBase * time.Duration(n)
	if p.cfg.MaxBackoff > 0 && d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

func (p *Policy) ExpiredPause() time.Duration {
	return p.cfg.ExpiredPause
}

func (p *Policy) MaxRetries() int {
	return p.cfg.MaxRetries
}
