package ledger

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Credential is the short-lived token a transaction is built against. A
// transaction carrying it can no longer land once the chain passes
// LastValidBlockHeight.
type Credential struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// Client is the ledger capability consumed by the distribution engine.
// Implementations return *Error so callers can classify failures by kind.
type Client interface {
	LatestCredential(ctx context.Context) (Credential, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	Simulate(ctx context.Context, tx *solana.Transaction) error
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	AwaitConfirmation(ctx context.Context, sig solana.Signature, cred Credential) error
	// Landed reports whether sig is known to the ledger, including its history,
	// as succeeded at the configured commitment.
	Landed(ctx context.Context, sig solana.Signature) (bool, error)
	// Balance returns the native balance of owner when mint is nil, otherwise
	// the balance of owner's associated token account (0 if it does not exist).
	Balance(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) (uint64, error)
	Decimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	Close() error
}

// Account is a resolved destination for a transfer of one asset.
type Account struct {
	Address solana.PublicKey
	Exists  bool
}

// ResolveAccount returns the account that receives mint for owner. For the
// native coin that is the owner itself; for tokens it is the associated token
// account, which may not exist yet.
func ResolveAccount(ctx context.Context, client Client, owner solana.PublicKey, mint *solana.PublicKey) (Account, error) {
	if mint == nil {
		return Account{Address: owner, Exists: true}, nil
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, *mint)
	if err != nil {
		return Account{}, &Error{Kind: KindInvalid, Op: "resolve account", Err: fmt.Errorf("failed to derive associated token address: %w", err)}
	}
	exists, err := client.AccountExists(ctx, ata)
	if err != nil {
		return Account{}, err
	}
	return Account{Address: ata, Exists: exists}, nil
}
