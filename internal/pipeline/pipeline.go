// Package pipeline drives the three-stage production flow and settles each
// stage through the payment channel opened for its agent: call the stage's
// generation service, compute the stage's share of the deposit, sign the
// authorization, record it, and move on. Signatures are produced in strictly
// increasing nonce order across the whole request.
package pipeline

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mediafoundry/orchestrator/internal/chain"
	"github.com/mediafoundry/orchestrator/internal/config"
	"github.com/mediafoundry/orchestrator/internal/events"
	"github.com/mediafoundry/orchestrator/internal/generate"
	"github.com/mediafoundry/orchestrator/internal/payment"
	"github.com/mediafoundry/orchestrator/internal/registry"
)

// Pipeline statuses persisted per request.
const (
	StatusInit           = "INIT"
	StatusChannelsOpened = "CHANNELS_OPENED"
	StatusComplete       = "COMPLETE"
)

func stageSettledStatus(stage int) string { return fmt.Sprintf("STAGE%d_SETTLED", stage+1) }

// FailedStatus names the terminal failure state for a stage (0-based input,
// 1-based name). Requests in this state need operator intervention; signed
// authorizations from earlier stages remain claimable.
func FailedStatus(stage int) string { return fmt.Sprintf("FAILED(stage%d)", stage+1) }

// Ledger is the chain surface the pipeline needs. Satisfied by *chain.Client.
type Ledger interface {
	OpenChannels(ctx context.Context, requestID uint64, timeout *big.Int) (common.Hash, []common.Hash, error)
	GetRequestChannels(ctx context.Context, requestID uint64) ([]common.Hash, error)
	GetRequest(ctx context.Context, requestID uint64) (*chain.RequestInfo, error)
	RecordOffChainPayment(ctx context.Context, requestID uint64, agent common.Address, amount *big.Int, channelID common.Hash, nonce uint64) (common.Hash, error)
}

// Generator is the external generation capability. Satisfied by *generate.Client.
type Generator interface {
	Generate(ctx context.Context, role payment.Role, req generate.StageRequest) (*generate.StageResult, error)
}

// Stage binds one pipeline position to its payee and split.
type Stage struct {
	Role   payment.Role
	Wallet common.Address
	Split  int64
}

// Outcome is the result of one settlement run.
type Outcome struct {
	RequestID uint64
	Status    string
	Payments  map[payment.Role]*payment.Record
	Artifacts map[payment.Role]generate.StageResult
}

type Pipeline struct {
	ledger  Ledger
	gen     Generator
	reg     registry.Registry
	bus     *events.Bus
	log     *zap.Logger
	stages  []Stage
	timeout *big.Int

	// signKey authorizes payments. It is used exclusively by payment.Sign
	// and must never be logged or serialized.
	signKey *ecdsa.PrivateKey
}

func New(cfg *config.Config, ledger Ledger, gen Generator, reg registry.Registry, bus *events.Bus, signKey *ecdsa.PrivateKey, log *zap.Logger) *Pipeline {
	return &Pipeline{
		ledger: ledger,
		gen:    gen,
		reg:    reg,
		bus:    bus,
		log:    log,
		stages: []Stage{
			{Role: payment.RoleScript, Wallet: common.HexToAddress(cfg.Pipeline.Script.Wallet), Split: cfg.Pipeline.Script.SplitPercent},
			{Role: payment.RoleImage, Wallet: common.HexToAddress(cfg.Pipeline.Image.Wallet), Split: cfg.Pipeline.Image.SplitPercent},
			{Role: payment.RoleVideo, Wallet: common.HexToAddress(cfg.Pipeline.Video.Wallet), Split: cfg.Pipeline.Video.SplitPercent},
		},
		timeout: big.NewInt(cfg.Pipeline.ChannelTimeoutSec),
		signKey: signKey,
	}
}

// Process runs the full settlement flow for one submitted request.
// The returned Outcome is valid even when err != nil: it reflects how far
// the request got and which payments were signed before the failure.
func (p *Pipeline) Process(ctx context.Context, ev chain.RequestEvent) (*Outcome, error) {
	out := &Outcome{
		RequestID: ev.RequestID,
		Status:    StatusInit,
		Payments:  make(map[payment.Role]*payment.Record),
		Artifacts: make(map[payment.Role]generate.StageResult),
	}
	p.setStatus(ctx, ev.RequestID, StatusInit)
	p.bus.Publish(events.Event{Type: events.TypeRequestReceived, RequestID: ev.RequestID})

	totalAmount := ev.AmountPaid
	if totalAmount == nil {
		info, err := p.ledger.GetRequest(ctx, ev.RequestID)
		if err != nil {
			return out, fmt.Errorf("fetch request %d: %w", ev.RequestID, err)
		}
		totalAmount = info.AmountPaid
	}

	channelIDs, err := p.ensureChannels(ctx, ev.RequestID)
	if err != nil {
		return out, err
	}
	if len(channelIDs) != len(p.stages) {
		return out, fmt.Errorf("request %d: got %d channels, want %d", ev.RequestID, len(channelIDs), len(p.stages))
	}
	out.Status = StatusChannelsOpened
	p.setStatus(ctx, ev.RequestID, StatusChannelsOpened)
	p.bus.Publish(events.Event{Type: events.TypeChannelsOpened, RequestID: ev.RequestID})

	splits := make([]int64, len(p.stages))
	for i, s := range p.stages {
		splits[i] = s.Split
	}
	amounts, err := payment.StageAmounts(totalAmount, splits)
	if err != nil {
		return out, fmt.Errorf("request %d split: %w", ev.RequestID, err)
	}

	// The nonce is request-scoped: one counter across all stages, advancing
	// once per settlement in stage order.
	var nonce uint64
	stageReq := generate.StageRequest{RequestID: ev.RequestID, Prompt: ev.Prompt}

	for i, stage := range p.stages {
		result, err := p.gen.Generate(ctx, stage.Role, stageReq)
		if err != nil {
			status := FailedStatus(i)
			out.Status = status
			p.setStatus(ctx, ev.RequestID, status)
			p.bus.Publish(events.Event{
				Type:      events.TypeStageFailed,
				RequestID: ev.RequestID,
				Role:      stage.Role,
				Reason:    err.Error(),
			})
			p.log.Error("stage failed",
				zap.Uint64("request", ev.RequestID),
				zap.String("role", string(stage.Role)),
				zap.Error(err),
			)
			// Earlier signed authorizations stay valid; later stages depend
			// on this stage's output and cannot run.
			return out, fmt.Errorf("request %d stage %s: %w", ev.RequestID, stage.Role, err)
		}
		out.Artifacts[stage.Role] = *result

		rec, err := p.settleStage(ctx, ev.RequestID, channelIDs[i], stage, amounts[i], nonce)
		if err != nil {
			status := FailedStatus(i)
			out.Status = status
			p.setStatus(ctx, ev.RequestID, status)
			return out, err
		}
		out.Payments[stage.Role] = rec
		out.Status = stageSettledStatus(i)
		p.setStatus(ctx, ev.RequestID, out.Status)
		p.bus.Publish(events.Event{
			Type:      events.TypeStageSettled,
			RequestID: ev.RequestID,
			Role:      stage.Role,
			Amount:    rec.Amount,
			Nonce:     rec.Nonce,
		})
		nonce++

		switch stage.Role {
		case payment.RoleScript:
			stageReq.Script = result.Output
		case payment.RoleImage:
			stageReq.Image = result.Output
		}
	}

	out.Status = StatusComplete
	p.setStatus(ctx, ev.RequestID, StatusComplete)
	p.bus.Publish(events.Event{Type: events.TypePipelineComplete, RequestID: ev.RequestID})
	p.log.Info("request settled",
		zap.Uint64("request", ev.RequestID),
		zap.String("total", totalAmount.String()),
	)
	return out, nil
}

// ensureChannels returns the channels for a request, opening them exactly
// once. Ledger calls are not idempotent, so before transacting we check both
// our own records and the chain (covers a crash after an open whose receipt
// we never saw).
func (p *Pipeline) ensureChannels(ctx context.Context, requestID uint64) ([]common.Hash, error) {
	ids, err := p.reg.ChannelsForRequest(ctx, requestID)
	if err == nil {
		return ids, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	onchain, err := p.ledger.GetRequestChannels(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("check existing channels: %w", err)
	}
	if len(onchain) == 0 {
		txHash, opened, err := p.ledger.OpenChannels(ctx, requestID, p.timeout)
		if err != nil {
			return nil, fmt.Errorf("open channels: %w", err)
		}
		p.log.Info("channels opened",
			zap.Uint64("request", requestID),
			zap.String("tx", txHash.Hex()),
			zap.Int("count", len(opened)),
		)
		onchain = opened
	}

	if err := p.reg.RecordChannelsOpened(ctx, requestID, onchain); err != nil {
		if errors.Is(err, registry.ErrAlreadyOpened) {
			// Lost a race with a concurrent intake; the recorded list wins.
			return p.reg.ChannelsForRequest(ctx, requestID)
		}
		return nil, err
	}
	return onchain, nil
}

func (p *Pipeline) settleStage(ctx context.Context, requestID uint64, channelID common.Hash, stage Stage, amount *big.Int, nonce uint64) (*payment.Record, error) {
	sig, err := payment.Sign(channelID, requestID, stage.Wallet, amount, nonce, p.signKey)
	if err != nil {
		return nil, fmt.Errorf("sign %s payment: %w", stage.Role, err)
	}

	rec := payment.Record{
		ChannelID: channelID,
		RequestID: requestID,
		Agent:     stage.Wallet,
		Amount:    amount,
		Nonce:     nonce,
		Signature: sig,
		Status:    payment.StatusSigned,
		SignedAt:  time.Now().Unix(),
	}
	if err := p.reg.RecordPayment(ctx, requestID, stage.Role, rec); err != nil {
		return nil, fmt.Errorf("record %s payment: %w", stage.Role, err)
	}

	// Advisory mirror; auditing only. The signature, not this transaction,
	// authorizes the claim, so a mirror failure never fails the stage.
	if _, err := p.ledger.RecordOffChainPayment(ctx, requestID, stage.Wallet, amount, channelID, nonce); err != nil {
		p.log.Warn("on-chain payment mirror failed",
			zap.Uint64("request", requestID),
			zap.String("role", string(stage.Role)),
			zap.Error(err),
		)
	}
	return &rec, nil
}

func (p *Pipeline) setStatus(ctx context.Context, requestID uint64, status string) {
	if err := p.reg.SetStatus(ctx, requestID, status); err != nil {
		p.log.Error("persist status",
			zap.Uint64("request", requestID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}
