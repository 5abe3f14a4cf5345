// Package claim redeems signed payment authorizations on-chain and reclaims
// expired deposits. Claiming is pull-based: nothing here runs on a schedule,
// every close is an explicit call by (or on behalf of) a payee or the payer.
package claim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mediafoundry/orchestrator/internal/chain"
	"github.com/mediafoundry/orchestrator/internal/events"
	"github.com/mediafoundry/orchestrator/internal/payment"
	"github.com/mediafoundry/orchestrator/internal/registry"
)

var (
	// ErrNotFound is returned when no signed authorization exists for the
	// (request, role) pair.
	ErrNotFound = errors.New("no payment authorization for request and role")

	// ErrAlreadyClaimed is returned when the authorization was already
	// redeemed. Double-claims would revert on-chain anyway; failing early
	// keeps the registry and chain in agreement.
	ErrAlreadyClaimed = errors.New("payment already claimed")

	// ErrChannelClosed is returned when the on-chain channel is no longer
	// open, regardless of what the registry believes.
	ErrChannelClosed = errors.New("channel is closed")

	// ErrNotAuthorized is returned when the caller is neither the channel
	// payee (for claims) nor the payer (for emergency closes).
	ErrNotAuthorized = errors.New("caller not authorized for this channel")

	// ErrTimeoutNotReached is returned when an emergency close is attempted
	// before the channel timeout has elapsed.
	ErrTimeoutNotReached = errors.New("channel timeout not reached")
)

// Chain is the contract surface the claim service needs. Satisfied by
// *chain.Client.
type Chain interface {
	GetChannel(ctx context.Context, channelID common.Hash) (*chain.ChannelState, error)
	CloseChannel(ctx context.Context, channelID common.Hash, amount *big.Int, nonce uint64, sig []byte) (common.Hash, error)
	EmergencyClose(ctx context.Context, channelID common.Hash) (common.Hash, error)
}

// Result describes a completed close.
type Result struct {
	TxHash    common.Hash    `json:"tx_hash"`
	ChannelID common.Hash    `json:"channel_id"`
	Payee     common.Address `json:"payee"`
	Amount    *big.Int       `json:"amount"`
}

type Service struct {
	chain Chain
	reg   registry.Registry
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time
}

func NewService(ch Chain, reg registry.Registry, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{chain: ch, reg: reg, bus: bus, log: log, now: time.Now}
}

// Claim redeems the stored authorization for (request, role), closing the
// channel and paying the payee. Preconditions are checked in order: record
// exists, not yet claimed, channel open on-chain, claimant is the payee.
// The on-chain close happens only after all of them pass.
func (s *Service) Claim(ctx context.Context, requestID uint64, role payment.Role, claimant common.Address) (*Result, error) {
	rec, err := s.reg.GetPayment(ctx, requestID, role)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("request %d role %s: %w", requestID, role, ErrNotFound)
	}
	if rec.Status == payment.StatusClaimed {
		return nil, fmt.Errorf("request %d role %s: %w", requestID, role, ErrAlreadyClaimed)
	}

	state, err := s.chain.GetChannel(ctx, rec.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("read channel %s: %w", rec.ChannelID.Hex(), err)
	}
	if !state.IsOpen {
		return nil, fmt.Errorf("channel %s: %w", rec.ChannelID.Hex(), ErrChannelClosed)
	}
	if claimant != state.Payee {
		return nil, fmt.Errorf("claimant %s is not payee %s: %w", claimant.Hex(), state.Payee.Hex(), ErrNotAuthorized)
	}

	txHash, err := s.chain.CloseChannel(ctx, rec.ChannelID, rec.Amount, rec.Nonce, rec.Signature)
	if err != nil {
		return nil, fmt.Errorf("close channel: %w", err)
	}

	// The payout already happened; a registry write failure here must not
	// surface as a failed claim.
	if err := s.reg.MarkClaimed(ctx, requestID, role); err != nil {
		s.log.Error("mark claimed",
			zap.Uint64("request", requestID),
			zap.String("role", string(role)),
			zap.Error(err),
		)
	}

	s.bus.Publish(events.Event{
		Type:      events.TypeClaimCompleted,
		RequestID: requestID,
		Role:      role,
		Amount:    rec.Amount,
		Nonce:     rec.Nonce,
	})
	s.log.Info("channel claimed",
		zap.Uint64("request", requestID),
		zap.String("role", string(role)),
		zap.String("amount", rec.Amount.String()),
		zap.String("tx", txHash.Hex()),
	)
	return &Result{
		TxHash:    txHash,
		ChannelID: rec.ChannelID,
		Payee:     state.Payee,
		Amount:    rec.Amount,
	}, nil
}

// EmergencyClose reclaims the deposit of an unclaimed channel after its
// timeout elapsed. Only the payer may call it, and only once the timeout
// window has fully passed; the payee keeps priority until then.
func (s *Service) EmergencyClose(ctx context.Context, requestID uint64, role payment.Role, caller common.Address) (*Result, error) {
	channelID, err := s.channelForRole(ctx, requestID, role)
	if err != nil {
		return nil, err
	}

	state, err := s.chain.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("read channel %s: %w", channelID.Hex(), err)
	}
	if !state.IsOpen {
		return nil, fmt.Errorf("channel %s: %w", channelID.Hex(), ErrChannelClosed)
	}
	if caller != state.Payer {
		return nil, fmt.Errorf("caller %s is not payer %s: %w", caller.Hex(), state.Payer.Hex(), ErrNotAuthorized)
	}

	deadline := state.OpenedAt.Int64() + state.Timeout.Int64()
	if s.now().Unix() < deadline {
		return nil, fmt.Errorf("channel %s closable at %d: %w", channelID.Hex(), deadline, ErrTimeoutNotReached)
	}

	txHash, err := s.chain.EmergencyClose(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("emergency close: %w", err)
	}
	s.log.Warn("channel emergency closed",
		zap.Uint64("request", requestID),
		zap.String("role", string(role)),
		zap.String("tx", txHash.Hex()),
	)
	return &Result{
		TxHash:    txHash,
		ChannelID: channelID,
		Payee:     state.Payee,
		Amount:    state.TotalDeposit,
	}, nil
}

// channelForRole resolves the channel for a role by its position in the
// recorded list (the factory opens channels in role order).
func (s *Service) channelForRole(ctx context.Context, requestID uint64, role payment.Role) (common.Hash, error) {
	ids, err := s.reg.ChannelsForRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return common.Hash{}, fmt.Errorf("request %d channels: %w", requestID, ErrNotFound)
		}
		return common.Hash{}, err
	}
	for i, r := range payment.Roles() {
		if r == role {
			if i >= len(ids) {
				return common.Hash{}, fmt.Errorf("request %d has %d channels, role %s out of range: %w", requestID, len(ids), role, ErrNotFound)
			}
			return ids[i], nil
		}
	}
	return common.Hash{}, fmt.Errorf("unknown role %s: %w", role, ErrNotFound)
}
