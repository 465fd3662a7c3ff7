package transfer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/malbeclabs/airdrop/distributor/pkg/job"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
)

// NativeFee is the base fee the sender pays per single-signature transfer.
const NativeFee uint64 = 5000

// instructions returns the instruction set that moves r.Amount to r.Address.
// Token transfers create the recipient's associated token account first when
// it does not exist yet.
func (m *Machine) instructions(ctx context.Context, r job.Recipient) ([]solana.Instruction, error) {
	sender := m.sender.PublicKey()
	if m.cfg.Mint == nil {
		return []solana.Instruction{
			system.NewTransferInstruction(r.Amount, sender, r.Address).Build(),
		}, nil
	}

	mint := *m.cfg.Mint
	dest, err := ledger.ResolveAccount(ctx, m.cfg.Client, r.Address, m.cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination account: %w", err)
	}

	ixs := make([]solana.Instruction, 0, 2)
	if !dest.Exists {
		ixs = append(ixs, associatedtokenaccount.NewCreateInstruction(sender, r.Address, mint).Build())
	}
	ixs = append(ixs, token.NewTransferCheckedInstruction(
		r.Amount,
		m.cfg.Decimals,
		m.senderTokenAccount,
		mint,
		dest.Address,
		sender,
		nil,
	).Build())
	return ixs, nil
}

// build fetches a fresh credential and assembles an unsigned transaction.
func (m *Machine) build(ctx context.Context, r job.Recipient) (*solana.Transaction, ledger.Credential, error) {
	if m.cfg.CheckBalance {
		if err := m.checkBalance(ctx, r); err != nil {
			return nil, ledger.Credential{}, err
		}
	}

	cred, err := m.cfg.Client.LatestCredential(ctx)
	if err != nil {
		return nil, ledger.Credential{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	ixs, err := m.instructions(ctx, r)
	if err != nil {
		return nil, ledger.Credential{}, err
	}

	tx, err := solana.NewTransaction(ixs, cred.Blockhash, solana.TransactionPayer(m.sender.PublicKey()))
	if err != nil {
		return nil, ledger.Credential{}, ledger.NewError(ledger.KindInvalid, "build", err)
	}
	return tx, cred, nil
}

func (m *Machine) checkBalance(ctx context.Context, r job.Recipient) error {
	sender := m.sender.PublicKey()
	balance, err := m.cfg.Client.Balance(ctx, sender, m.cfg.Mint)
	if err != nil {
		return fmt.Errorf("failed to get sender balance: %w", err)
	}
	need := r.Amount
	if m.cfg.Mint == nil {
		need += NativeFee
	}
	if balance < need {
		return ledger.NewError(ledger.KindInsufficientBalance, "build",
			fmt.Errorf("sender balance %d is below required %d", balance, need))
	}
	return nil
}

func (m *Machine) sign(tx *solana.Transaction) error {
	sender := m.sender.PublicKey()
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(sender) {
			return &m.sender
		}
		return nil
	})
	if err != nil {
		return ledger.NewError(ledger.KindInvalid, "sign", err)
	}
	return nil
}
