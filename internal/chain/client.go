package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mediafoundry/orchestrator/internal/config"
)

// ErrReceiptTimeout is returned when a transaction receipt does not appear
// within the configured polling bound. The transaction outcome is unknown;
// callers must check existing on-chain state before retrying.
var ErrReceiptTimeout = errors.New("transaction receipt not found within polling bound")

// RequestInfo mirrors the factory's per-request storage.
type RequestInfo struct {
	User           common.Address
	Prompt         string
	IsComplete     bool
	AmountPaid     *big.Int
	ChannelsOpened bool
}

// ChannelState mirrors the channel contract's Channel struct.
type ChannelState struct {
	RequestID    *big.Int
	Payer        common.Address
	Payee        common.Address
	TotalDeposit *big.Int
	Withdrawn    *big.Int
	Nonce        *big.Int
	IsOpen       bool
	OpenedAt     *big.Int
	Timeout      *big.Int
}

// RequestEvent is a decoded "request submitted" log.
type RequestEvent struct {
	RequestID  uint64
	User       common.Address
	Prompt     string
	AmountPaid *big.Int
	Block      uint64
}

// Client wraps go-ethereum with bound media-factory and payment-channel
// contracts. One Client is constructed at startup and passed by reference;
// nothing here is lazily initialized.
type Client struct {
	eth          *ethclient.Client
	factory      *bind.BoundContract
	channel      *bind.BoundContract
	factoryAddr  common.Address
	channelAddr  common.Address
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	signerAddr   common.Address
	pollInterval time.Duration
	pollMax      int
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(cfg.Chain.OrchestratorKey)
	if err != nil {
		return nil, fmt.Errorf("parse orchestrator key: %w", err)
	}
	return newClient(eth, cfg, key), nil
}

// NewClientWithKey builds a client signing with the given key instead of the
// configured orchestrator key (used by the worker-side claim binary).
func NewClientWithKey(cfg *config.Config, keyHex string) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return newClient(eth, cfg, key), nil
}

func newClient(eth *ethclient.Client, cfg *config.Config, key *ecdsa.PrivateKey) *Client {
	factoryAddr := common.HexToAddress(cfg.Chain.FactoryAddress)
	channelAddr := common.HexToAddress(cfg.Chain.ChannelAddress)
	return &Client{
		eth:          eth,
		factory:      bind.NewBoundContract(factoryAddr, factoryABI, eth, eth, eth),
		channel:      bind.NewBoundContract(channelAddr, channelABI, eth, eth, eth),
		factoryAddr:  factoryAddr,
		channelAddr:  channelAddr,
		chainID:      big.NewInt(cfg.Chain.ChainID),
		key:          key,
		signerAddr:   crypto.PubkeyToAddress(key.PublicKey),
		pollInterval: time.Duration(cfg.Chain.ReceiptPollIntervalMs) * time.Millisecond,
		pollMax:      cfg.Chain.ReceiptPollMax,
	}
}

// PrivateKey returns the signing key (authorization signing only).
func (c *Client) PrivateKey() *ecdsa.PrivateKey { return c.key }

// SignerAddress returns the address of the configured signing key.
func (c *Client) SignerAddress() common.Address { return c.signerAddr }

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

// waitMined polls for a receipt with a hard attempt cap so a stuck RPC never
// hangs the pipeline indefinitely.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for i := 0; i < c.pollMax; i++ {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return nil, fmt.Errorf("tx %s: %w", txHash.Hex(), ErrReceiptTimeout)
}

// OpenChannels submits the single openPaymentChannels transaction that
// creates one funded channel per agent role, and parses the resulting
// channel IDs (role order) from the PaymentChannelsOpened log.
func (c *Client) OpenChannels(ctx context.Context, requestID uint64, timeout *big.Int) (common.Hash, []common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("build tx opts: %w", err)
	}

	tx, err := c.factory.Transact(opts, "openPaymentChannels", new(big.Int).SetUint64(requestID), timeout)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("openPaymentChannels tx: %w", err)
	}

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return tx.Hash(), nil, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return tx.Hash(), nil, fmt.Errorf("openPaymentChannels reverted: %s", tx.Hash().Hex())
	}

	ids, err := parseChannelsOpened(receipt)
	if err != nil {
		return tx.Hash(), nil, err
	}
	return tx.Hash(), ids, nil
}

func parseChannelsOpened(receipt *types.Receipt) ([]common.Hash, error) {
	eventID := factoryABI.Events["PaymentChannelsOpened"].ID
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != eventID {
			continue
		}
		var ev struct {
			ChannelIds  [][32]byte
			TotalAmount *big.Int
		}
		if err := factoryABI.UnpackIntoInterface(&ev, "PaymentChannelsOpened", lg.Data); err != nil {
			return nil, fmt.Errorf("unpack PaymentChannelsOpened: %w", err)
		}
		ids := make([]common.Hash, len(ev.ChannelIds))
		for i, id := range ev.ChannelIds {
			ids[i] = common.Hash(id)
		}
		return ids, nil
	}
	return nil, errors.New("PaymentChannelsOpened event not found in receipt")
}

// RecordOffChainPayment mirrors a signed payment on-chain for auditability.
// It transfers nothing and authorizes nothing; only the signature does.
func (c *Client) RecordOffChainPayment(ctx context.Context, requestID uint64, agent common.Address, amount *big.Int, channelID common.Hash, nonce uint64) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.factory.Transact(opts, "recordOffChainPayment",
		new(big.Int).SetUint64(requestID), agent, amount, [32]byte(channelID), new(big.Int).SetUint64(nonce))
	if err != nil {
		return common.Hash{}, fmt.Errorf("recordOffChainPayment tx: %w", err)
	}
	if _, err := c.waitMined(ctx, tx.Hash()); err != nil {
		return tx.Hash(), err
	}
	return tx.Hash(), nil
}

// GetRequest reads the factory's request record.
func (c *Client) GetRequest(ctx context.Context, requestID uint64) (*RequestInfo, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.factory.Call(opts, &out, "getRequest", new(big.Int).SetUint64(requestID)); err != nil {
		return nil, fmt.Errorf("getRequest: %w", err)
	}
	return &RequestInfo{
		User:           out[0].(common.Address),
		Prompt:         out[1].(string),
		IsComplete:     out[2].(bool),
		AmountPaid:     out[3].(*big.Int),
		ChannelsOpened: out[4].(bool),
	}, nil
}

// GetRequestChannels returns the channel IDs the factory recorded for a
// request, in role order. Used to recover from an open with unknown outcome.
func (c *Client) GetRequestChannels(ctx context.Context, requestID uint64) ([]common.Hash, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.factory.Call(opts, &out, "getRequestChannels", new(big.Int).SetUint64(requestID)); err != nil {
		return nil, fmt.Errorf("getRequestChannels: %w", err)
	}
	raw := out[0].([][32]byte)
	ids := make([]common.Hash, len(raw))
	for i, id := range raw {
		ids[i] = common.Hash(id)
	}
	return ids, nil
}

// GetChannel reads confirmed channel state from the channel contract.
func (c *Client) GetChannel(ctx context.Context, channelID common.Hash) (*ChannelState, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.channel.Call(opts, &out, "getChannel", [32]byte(channelID)); err != nil {
		return nil, fmt.Errorf("getChannel: %w", err)
	}
	return &ChannelState{
		RequestID:    out[0].(*big.Int),
		Payer:        out[1].(common.Address),
		Payee:        out[2].(common.Address),
		TotalDeposit: out[3].(*big.Int),
		Withdrawn:    out[4].(*big.Int),
		Nonce:        out[5].(*big.Int),
		IsOpen:       out[6].(bool),
		OpenedAt:     out[7].(*big.Int),
		Timeout:      out[8].(*big.Int),
	}, nil
}

// GetChannelID returns the deterministic channel id for (request, agent).
func (c *Client) GetChannelID(ctx context.Context, requestID uint64, agent common.Address) (common.Hash, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.channel.Call(opts, &out, "getChannelId", new(big.Int).SetUint64(requestID), agent); err != nil {
		return common.Hash{}, fmt.Errorf("getChannelId: %w", err)
	}
	return common.Hash(out[0].([32]byte)), nil
}

// VerifySignature asks the contract to pre-verify an authorization. The
// chain is the final arbiter; this mirrors its check without a transaction.
func (c *Client) VerifySignature(ctx context.Context, channelID common.Hash, amount *big.Int, nonce uint64, sig []byte) (bool, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.channel.Call(opts, &out, "verifySignature", [32]byte(channelID), amount, new(big.Int).SetUint64(nonce), sig); err != nil {
		return false, fmt.Errorf("verifySignature: %w", err)
	}
	return out[0].(bool), nil
}

// CloseChannel redeems a signed authorization on-chain, paying out the payee
// and terminating the channel.
func (c *Client) CloseChannel(ctx context.Context, channelID common.Hash, amount *big.Int, nonce uint64, sig []byte) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.channel.Transact(opts, "closeChannel", [32]byte(channelID), amount, new(big.Int).SetUint64(nonce), sig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("closeChannel tx: %w", err)
	}
	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return tx.Hash(), err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return tx.Hash(), fmt.Errorf("closeChannel reverted: %s", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

// EmergencyClose reclaims an unclaimed deposit after the channel timeout.
// Payer-side operation; requires no payee signature.
func (c *Client) EmergencyClose(ctx context.Context, channelID common.Hash) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.channel.Transact(opts, "emergencyClose", [32]byte(channelID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("emergencyClose tx: %w", err)
	}
	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return tx.Hash(), err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return tx.Hash(), fmt.Errorf("emergencyClose reverted: %s", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

// BalanceAt returns the current balance of an address.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// FilterRequestEvents returns decoded request-submitted events in the block
// range, oldest first.
func (c *Client) FilterRequestEvents(ctx context.Context, fromBlock, toBlock uint64) ([]RequestEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.factoryAddr},
		Topics:    [][]common.Hash{{factoryABI.Events["VideoRequested"].ID}},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	events := make([]RequestEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := decodeRequestEvent(lg)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeRequestEvent(lg types.Log) (RequestEvent, error) {
	if len(lg.Topics) < 3 {
		return RequestEvent{}, errors.New("malformed VideoRequested log")
	}
	var data struct {
		Prompt     string
		AmountPaid *big.Int
	}
	if err := factoryABI.UnpackIntoInterface(&data, "VideoRequested", lg.Data); err != nil {
		return RequestEvent{}, fmt.Errorf("unpack VideoRequested: %w", err)
	}
	return RequestEvent{
		RequestID:  lg.Topics[1].Big().Uint64(),
		User:       common.BytesToAddress(lg.Topics[2].Bytes()),
		Prompt:     data.Prompt,
		AmountPaid: data.AmountPaid,
		Block:      lg.BlockNumber,
	}, nil
}
