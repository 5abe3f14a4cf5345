// Package api exposes the orchestrator's read and claim surface over HTTP.
// Reads serve registry state enriched with confirmed chain state; the only
// mutating route is the claim endpoint.
package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mediafoundry/orchestrator/internal/chain"
	"github.com/mediafoundry/orchestrator/internal/claim"
	"github.com/mediafoundry/orchestrator/internal/config"
	"github.com/mediafoundry/orchestrator/internal/payment"
	"github.com/mediafoundry/orchestrator/internal/registry"
)

// Reader is the chain read surface the API needs. Satisfied by *chain.Client.
type Reader interface {
	GetRequest(ctx context.Context, requestID uint64) (*chain.RequestInfo, error)
	GetChannel(ctx context.Context, channelID common.Hash) (*chain.ChannelState, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Claimer is the claim surface. Satisfied by *claim.Service.
type Claimer interface {
	Claim(ctx context.Context, requestID uint64, role payment.Role, claimant common.Address) (*claim.Result, error)
}

// Handler wires all orchestrator routes onto a Gin engine.
type Handler struct {
	cfg     *config.Config
	reader  Reader
	claimer Claimer
	reg     registry.Registry
	log     *zap.Logger
}

func NewHandler(cfg *config.Config, reader Reader, claimer Claimer, reg registry.Registry, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, reader: reader, claimer: claimer, reg: reg, log: log}
}

// Register mounts all routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/request/:id", h.handleRequest)
	rg.GET("/channels/:id", h.handleChannels)
	rg.GET("/payment-signature/:id/:role", h.handleSignature)
	rg.GET("/payment-signatures/:id", h.handleSignatures)
	rg.POST("/claim/:id/:role", h.handleClaim)
	rg.GET("/balance/:role", h.handleBalance)
	rg.GET("/balances", h.handleBalances)
}

// ── Request state ───────────────────────────────────────────────────────────

func (h *Handler) handleRequest(c *gin.Context) {
	requestID, ok := h.requestID(c)
	if !ok {
		return
	}

	info, err := h.reader.GetRequest(c.Request.Context(), requestID)
	if err != nil {
		h.fail(c, err)
		return
	}
	status, err := h.reg.GetStatus(c.Request.Context(), requestID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":      requestID,
		"user":            info.User,
		"prompt":          info.Prompt,
		"is_complete":     info.IsComplete,
		"amount_paid":     info.AmountPaid,
		"channels_opened": info.ChannelsOpened,
		"status":          status,
	})
}

func (h *Handler) handleChannels(c *gin.Context) {
	requestID, ok := h.requestID(c)
	if !ok {
		return
	}

	ids, err := h.reg.ChannelsForRequest(c.Request.Context(), requestID)
	if err != nil {
		h.fail(c, err)
		return
	}

	channels := make([]gin.H, 0, len(ids))
	for i, id := range ids {
		state, err := h.reader.GetChannel(c.Request.Context(), id)
		if err != nil {
			h.fail(c, err)
			return
		}
		channels = append(channels, gin.H{
			"channel_id":    id,
			"role":          payment.Roles()[i],
			"payee":         state.Payee,
			"total_deposit": state.TotalDeposit,
			"nonce":         state.Nonce,
			"is_open":       state.IsOpen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"request_id": requestID, "channels": channels})
}

// ── Payment signatures ──────────────────────────────────────────────────────

func (h *Handler) handleSignature(c *gin.Context) {
	requestID, ok := h.requestID(c)
	if !ok {
		return
	}
	role, ok := h.role(c)
	if !ok {
		return
	}

	rec, err := h.reg.GetPayment(c.Request.Context(), requestID, role)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rec == nil {
		h.fail(c, registry.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleSignatures(c *gin.Context) {
	requestID, ok := h.requestID(c)
	if !ok {
		return
	}

	all, err := h.reg.AllPayments(c.Request.Context(), requestID)
	if err != nil {
		h.fail(c, err)
		return
	}

	signed := 0
	payments := gin.H{}
	for role, rec := range all {
		if rec != nil {
			signed++
			payments[string(role)] = rec
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"signed":     signed,
		"pending":    len(payment.Roles()) - signed,
		"payments":   payments,
	})
}

// ── Claim ───────────────────────────────────────────────────────────────────

// handleClaim claims on behalf of the configured wallet for the role. The
// claim service re-checks the payee on-chain, so a misconfigured wallet is
// rejected there, not here.
func (h *Handler) handleClaim(c *gin.Context) {
	requestID, ok := h.requestID(c)
	if !ok {
		return
	}
	role, ok := h.role(c)
	if !ok {
		return
	}
	claimant := common.HexToAddress(h.cfg.StageWallet(string(role)))

	res, err := h.claimer.Claim(c.Request.Context(), requestID, role, claimant)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ── Balances ────────────────────────────────────────────────────────────────

func (h *Handler) handleBalance(c *gin.Context) {
	role, ok := h.role(c)
	if !ok {
		return
	}
	addr := common.HexToAddress(h.cfg.StageWallet(string(role)))
	bal, err := h.reader.BalanceAt(c.Request.Context(), addr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "wallet": addr, "balance": bal})
}

func (h *Handler) handleBalances(c *gin.Context) {
	out := make([]gin.H, 0, len(payment.Roles()))
	for _, role := range payment.Roles() {
		addr := common.HexToAddress(h.cfg.StageWallet(string(role)))
		bal, err := h.reader.BalanceAt(c.Request.Context(), addr)
		if err != nil {
			h.fail(c, err)
			return
		}
		out = append(out, gin.H{"role": role, "wallet": addr, "balance": bal})
	}
	c.JSON(http.StatusOK, gin.H{"balances": out})
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func (h *Handler) requestID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		h.failWith(c, http.StatusBadRequest, "bad_request", "request id must be a non-negative integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) role(c *gin.Context) (payment.Role, bool) {
	r := c.Param("role")
	if !payment.ValidRole(r) {
		h.failWith(c, http.StatusBadRequest, "bad_request", "unknown role: "+r)
		return "", false
	}
	return payment.Role(r), true
}

// fail maps service errors to HTTP statuses. Unknown errors are 500s with
// the detail kept in logs, not the response.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, claim.ErrNotFound):
		h.failWith(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, claim.ErrAlreadyClaimed), errors.Is(err, claim.ErrChannelClosed):
		h.failWith(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, claim.ErrNotAuthorized):
		h.failWith(c, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, claim.ErrTimeoutNotReached):
		h.failWith(c, http.StatusConflict, "timeout_not_reached", err.Error())
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		h.failWith(c, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) failWith(c *gin.Context, status int, kind, msg string) {
	c.JSON(status, gin.H{"error": gin.H{"kind": kind, "message": msg}})
}
