package sol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

// JSON-RPC error codes returned by Solana validators.
const (
	codePreflightFailure          = -32002
	codeNodeUnhealthy             = -32005
	codeTransactionPrecompileFail = -32003
)

// Transaction errors that clear when the transaction is rebuilt and retried.
var transientSimulationErrors = []string{
	"AccountInUse",
	"AccountLoadedTwice",
	"WouldExceedMaxBlockCostLimit",
	"WouldExceedMaxAccountCostLimit",
	"WouldExceedAccountDataBlockLimit",
	"WouldExceedAccountDataTotalLimit",
	"TooManyAccountLocks",
	"ClusterMaintenance",
}

func simulationKind(txErr any) ledger.Kind {
	msg := fmt.Sprintf("%v", txErr)
	if strings.Contains(msg, "BlockhashNotFound") {
		return ledger.KindExpiredCredential
	}
	for _, s := range transientSimulationErrors {
		if strings.Contains(msg, s) {
			return ledger.KindSimulationTransient
		}
	}
	if strings.Contains(msg, "InsufficientFundsForFee") {
		return ledger.KindInsufficientBalance
	}
	return ledger.KindSimulationRejected
}

// submitError tags an error from a simulate or send call.
func submitError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		switch {
		case strings.Contains(msg, "blockhash not found"):
			return ledger.NewError(ledger.KindExpiredCredential, op, err)
		case rpcErr.Code == codeNodeUnhealthy || retry.IsRetryable(err):
			return ledger.NewError(ledger.KindUnavailable, op, err)
		case rpcErr.Code == codePreflightFailure && containsAny(rpcErr.Message, transientSimulationErrors):
			return ledger.NewError(ledger.KindSimulationTransient, op, err)
		case strings.Contains(msg, "insufficient"):
			return ledger.NewError(ledger.KindInsufficientBalance, op, err)
		case rpcErr.Code == codePreflightFailure, rpcErr.Code == codeTransactionPrecompileFail:
			return ledger.NewError(ledger.KindSimulationRejected, op, err)
		default:
			return ledger.NewError(ledger.KindRejected, op, err)
		}
	}
	if retry.IsRetryable(err) {
		return ledger.NewError(ledger.KindUnavailable, op, err)
	}
	return ledger.NewError(ledger.KindUnknown, op, err)
}

// readError tags an error from an idempotent read that already exhausted its retries.
func readError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if retry.IsRetryable(err) {
		return ledger.NewError(ledger.KindUnavailable, op, err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return ledger.NewError(ledger.KindInvalid, op, err)
	}
	return ledger.NewError(ledger.KindUnknown, op, err)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
