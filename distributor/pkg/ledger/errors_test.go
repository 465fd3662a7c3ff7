package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestAirdrop_Ledger_Error(t *testing.T) {
	t.Parallel()

	t.Run("kind survives wrapping", func(t *testing.T) {
		t.Parallel()
		base := errors.New("blockhash not found")
		err := fmt.Errorf("failed to submit: %w", NewError(KindExpiredCredential, "submit", base))

		require.Equal(t, KindExpiredCredential, KindOf(err))
		require.True(t, IsKind(err, KindExpiredCredential))
		require.False(t, IsKind(err, KindTimeout))
		require.ErrorIs(t, err, base)
	})

	t.Run("untagged error is unknown", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
		require.Equal(t, KindUnknown, KindOf(nil))
	})

	t.Run("message includes op and kind", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "confirm: timeout", NewError(KindTimeout, "confirm", nil).Error())
		require.Equal(t, "simulate: simulation_rejected: custom program error: 0x1",
			NewError(KindSimulationRejected, "simulate", errors.New("custom program error: 0x1")).Error())
	})
}

type existsClient struct {
	Client
	exists map[solana.PublicKey]bool
	calls  int
}

func (c *existsClient) AccountExists(_ context.Context, account solana.PublicKey) (bool, error) {
	c.calls++
	return c.exists[account], nil
}

func TestAirdrop_Ledger_ResolveAccount(t *testing.T) {
	t.Parallel()

	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	t.Run("native resolves to owner without lookup", func(t *testing.T) {
		t.Parallel()
		c := &existsClient{}
		acct, err := ResolveAccount(context.Background(), c, owner, nil)
		require.NoError(t, err)
		require.Equal(t, owner, acct.Address)
		require.True(t, acct.Exists)
		require.Zero(t, c.calls)
	})

	t.Run("token resolves to associated account", func(t *testing.T) {
		t.Parallel()
		ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		require.NoError(t, err)

		c := &existsClient{exists: map[solana.PublicKey]bool{ata: true}}
		acct, err := ResolveAccount(context.Background(), c, owner, &mint)
		require.NoError(t, err)
		require.Equal(t, ata, acct.Address)
		require.True(t, acct.Exists)

		other := solana.NewWallet().PublicKey()
		acct, err = ResolveAccount(context.Background(), c, other, &mint)
		require.NoError(t, err)
		require.False(t, acct.Exists)
	})
}
