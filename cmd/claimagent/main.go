// claimagent is the worker-side claim tool. An agent operator runs it with
// their own key to redeem a signed payment authorization: it fetches the
// stored record from the orchestrator API, sanity-checks the channel
// on-chain, and submits closeChannel from the agent's wallet.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mediafoundry/orchestrator/internal/chain"
	"github.com/mediafoundry/orchestrator/internal/config"
	"github.com/mediafoundry/orchestrator/internal/payment"
)

func main() {
	var (
		requestID   = flag.Uint64("request", 0, "request id to claim")
		role        = flag.String("role", "", "stage role: script, image or video")
		keyHex      = flag.String("key", "", "agent private key (hex, no 0x)")
		rpcURL      = flag.String("rpc", "", "chain RPC endpoint")
		channelAddr = flag.String("channel-addr", "", "payment channel contract address")
		chainID     = flag.Int64("chain-id", 0, "chain id")
		orchURL     = flag.String("orchestrator-url", "http://localhost:8080", "orchestrator base URL")
	)
	flag.Parse()

	if *role == "" || *keyHex == "" || *rpcURL == "" || *channelAddr == "" || *chainID == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if !payment.ValidRole(*role) {
		fatalf("unknown role %q", *role)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	rec, err := fetchRecord(ctx, *orchURL, *requestID, *role)
	if err != nil {
		fatalf("fetch payment record: %v", err)
	}
	fmt.Printf("authorization: channel=%s amount=%s nonce=%d status=%s\n",
		rec.ChannelID.Hex(), rec.Amount, rec.Nonce, rec.Status)
	if rec.Status == payment.StatusClaimed {
		fatalf("already claimed")
	}

	cfg := &config.Config{}
	cfg.Chain.RPCURL = *rpcURL
	cfg.Chain.ChannelAddress = *channelAddr
	cfg.Chain.ChainID = *chainID
	cfg.Chain.ReceiptPollIntervalMs = 500
	cfg.Chain.ReceiptPollMax = 240

	onchain, err := chain.NewClientWithKey(cfg, *keyHex)
	if err != nil {
		fatalf("chain client: %v", err)
	}

	key, _ := crypto.HexToECDSA(*keyHex)
	claimant := crypto.PubkeyToAddress(key.PublicKey)

	state, err := onchain.GetChannel(ctx, rec.ChannelID)
	if err != nil {
		fatalf("read channel: %v", err)
	}
	if !state.IsOpen {
		fatalf("channel %s is already closed", rec.ChannelID.Hex())
	}
	if state.Payee != claimant {
		fatalf("key address %s is not the channel payee %s", claimant.Hex(), state.Payee.Hex())
	}

	txHash, err := onchain.CloseChannel(ctx, rec.ChannelID, rec.Amount, rec.Nonce, rec.Signature)
	if err != nil {
		fatalf("close channel: %v", err)
	}
	fmt.Printf("claimed: %s paid to %s (tx %s)\n", rec.Amount, claimant.Hex(), txHash.Hex())
}

func fetchRecord(ctx context.Context, baseURL string, requestID uint64, role string) (*payment.Record, error) {
	url := fmt.Sprintf("%s/api/payment-signature/%d/%s", baseURL, requestID, role)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orchestrator returned %d", resp.StatusCode)
	}
	var rec payment.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
