// Package ledgertest provides an in-memory ledger.Client for engine tests.
package ledgertest

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
)

// Client is a ledger.Client whose behavior is set per method. Nil funcs
// succeed: accounts exist, simulations pass, submissions confirm.
type Client struct {
	LatestCredentialFunc  func(ctx context.Context) (ledger.Credential, error)
	AccountExistsFunc     func(ctx context.Context, account solana.PublicKey) (bool, error)
	SimulateFunc          func(ctx context.Context, tx *solana.Transaction) error
	SubmitFunc            func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	AwaitConfirmationFunc func(ctx context.Context, sig solana.Signature, cred ledger.Credential) error
	LandedFunc            func(ctx context.Context, sig solana.Signature) (bool, error)
	BalanceFunc           func(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) (uint64, error)
	DecimalsFunc          func(ctx context.Context, mint solana.PublicKey) (uint8, error)

	credentials atomic.Uint64
	submits     atomic.Uint64
	simulations atomic.Uint64
	lookups     atomic.Uint64
	closed      atomic.Bool

	mu          sync.Mutex
	submittedTo map[solana.PublicKey]int
}

var _ ledger.Client = (*Client)(nil)

func (c *Client) LatestCredential(ctx context.Context) (ledger.Credential, error) {
	n := c.credentials.Add(1)
	if c.LatestCredentialFunc != nil {
		return c.LatestCredentialFunc(ctx)
	}
	var h solana.Hash
	binary.LittleEndian.PutUint64(h[:], n)
	return ledger.Credential{Blockhash: h, LastValidBlockHeight: 150 + n}, nil
}

func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	if c.AccountExistsFunc != nil {
		return c.AccountExistsFunc(ctx, account)
	}
	return true, nil
}

func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) error {
	c.simulations.Add(1)
	if c.SimulateFunc != nil {
		return c.SimulateFunc(ctx, tx)
	}
	return nil
}

func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, ledger.NewError(ledger.KindInvalid, "submit", errors.New("transaction is not signed"))
	}
	n := c.submits.Add(1)
	c.mu.Lock()
	if c.submittedTo == nil {
		c.submittedTo = make(map[solana.PublicKey]int)
	}
	c.submittedTo[Destination(tx)]++
	c.mu.Unlock()

	if c.SubmitFunc != nil {
		return c.SubmitFunc(ctx, tx)
	}
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:], n)
	return sig, nil
}

func (c *Client) AwaitConfirmation(ctx context.Context, sig solana.Signature, cred ledger.Credential) error {
	if c.AwaitConfirmationFunc != nil {
		return c.AwaitConfirmationFunc(ctx, sig, cred)
	}
	return ctx.Err()
}

func (c *Client) Landed(ctx context.Context, sig solana.Signature) (bool, error) {
	c.lookups.Add(1)
	if c.LandedFunc != nil {
		return c.LandedFunc(ctx, sig)
	}
	return false, nil
}

func (c *Client) Balance(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) (uint64, error) {
	if c.BalanceFunc != nil {
		return c.BalanceFunc(ctx, owner, mint)
	}
	return math.MaxUint64, nil
}

func (c *Client) Decimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if c.DecimalsFunc != nil {
		return c.DecimalsFunc(ctx, mint)
	}
	return 9, nil
}

func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Client) Credentials() int { return int(c.credentials.Load()) }
func (c *Client) Submits() int     { return int(c.submits.Load()) }
func (c *Client) Simulations() int { return int(c.simulations.Load()) }
func (c *Client) Lookups() int     { return int(c.lookups.Load()) }
func (c *Client) Closed() bool     { return c.closed.Load() }

// SubmittedTo returns how many submissions targeted dest.
func (c *Client) SubmittedTo(dest solana.PublicKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submittedTo[dest]
}

// Destination returns the account credited by the last instruction of tx.
func Destination(tx *solana.Transaction) solana.PublicKey {
	ixs := tx.Message.Instructions
	if len(ixs) == 0 {
		return solana.PublicKey{}
	}
	ix := ixs[len(ixs)-1]
	keys := tx.Message.AccountKeys
	idx := 2 // token TransferChecked: source, mint, destination, owner
	if int(ix.ProgramIDIndex) < len(keys) && keys[ix.ProgramIDIndex].Equals(solana.SystemProgramID) {
		idx = 1 // system Transfer: from, to
	}
	if idx >= len(ix.Accounts) || int(ix.Accounts[idx]) >= len(keys) {
		return solana.PublicKey{}
	}
	return keys[ix.Accounts[idx]]
}
