package sol

import (
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const explorerBase = "https://explorer.solana.com/tx/"

// ExplorerURL returns a renderer of Solana explorer links for transactions on
// the cluster served by rpcURL.
func ExplorerURL(rpcURL string) func(solana.Signature) string {
	query := clusterQuery(rpcURL)
	return func(sig solana.Signature) string {
		return explorerBase + sig.String() + query
	}
}

func clusterQuery(rpcURL string) string {
	u := strings.ToLower(rpcURL)
	switch {
	case strings.Contains(u, "devnet"):
		return "?cluster=devnet"
	case strings.Contains(u, "testnet"):
		return "?cluster=testnet"
	case strings.Contains(u, "localhost"), strings.Contains(u, "127.0.0.1"):
		return "?cluster=custom&customUrl=" + url.QueryEscape(rpcURL)
	}
	return ""
}
